package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/delivery"
	"github.com/BTreeMap/OrderPipe/internal/knowledge"
)

// fakeGeocoder resolves destinations from a fixed table.
type fakeGeocoder struct {
	km  map[string]float64
	err error
}

func (f *fakeGeocoder) DistanceKm(ctx context.Context, destination string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	km, ok := f.km[strings.ToLower(destination)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", delivery.ErrUnresolvable, destination)
	}
	return km, nil
}

func runCommand(t *testing.T, table *CommandTable, identity, text string) (string, bool) {
	t.Helper()
	cmd, req, ok := table.Lookup(identity, text)
	if !ok {
		return "", false
	}
	return cmd.Run(context.Background(), req), true
}

func TestCommandTable_KnowledgeLoaders(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "products.csv")
	if err := os.WriteFile(csvPath, []byte("product,price\nBeef,7.50\nChicken,4.00\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>Open daily.</p><p>Fresh cuts.</p></body></html>")
	}))
	defer site.Close()

	kb := knowledge.NewBase("persona")
	table := NewCommandTable(CommandDeps{
		Knowledge: kb,
		Sources: KnowledgeSources{
			CSVPath:   csvPath,
			ExcelPath: filepath.Join(dir, "missing.xlsx"),
			SiteURL:   site.URL,
		},
		Scraper: knowledge.NewScraper(site.Client()),
	})

	tests := []struct {
		text string
		want string
	}{
		{"Load CSV", "📄 CSV loaded with 2 rows."},
		{"please load excel now", "❗ Excel file not found."},
		{"scrape site", "🌐 Website scraped successfully."},
		{"load prompt   You are a cheerful butcher.", "✅ Prompt updated."},
		{"load prompt   ", "❗ No prompt provided."},
	}
	for _, tt := range tests {
		got, ok := runCommand(t, table, customer, tt.text)
		if !ok {
			t.Errorf("%q did not match a command", tt.text)
			continue
		}
		if got != tt.want {
			t.Errorf("%q = %q, want %q", tt.text, got, tt.want)
		}
	}

	if !strings.Contains(kb.Knowledge(), "Beef,7.50") || !strings.Contains(kb.Knowledge(), "Open daily.\nFresh cuts.") {
		t.Errorf("knowledge = %q", kb.Knowledge())
	}
	if kb.Prompt() != "You are a cheerful butcher." {
		t.Errorf("prompt = %q", kb.Prompt())
	}
}

func TestCommandTable_SheetAndPromptFile(t *testing.T) {
	sheet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "product,price\nBeef,7.50\nPork,5.50\nGoat,8.00\n")
	}))
	defer sheet.Close()

	dir := t.TempDir()
	promptPath := filepath.Join(dir, "prompt.txt")
	if err := os.WriteFile(promptPath, []byte("You sell beef only.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	kb := knowledge.NewBase("persona")
	table := NewCommandTable(CommandDeps{
		Knowledge: kb,
		Sources:   KnowledgeSources{SheetURL: sheet.URL + "/spreadsheets/d/1AbCdEfGhIjKlMnOpQrStUv/edit"},
		Scraper:   knowledge.NewScraper(sheet.Client()),
	})

	tests := []struct {
		text string
		want string
	}{
		{"load google sheet", "📄 Google Sheet loaded with 3 rows."},
		{"load prompt file " + promptPath, "✅ Prompt loaded from file: " + promptPath},
		{"load prompt file", "❗ Please provide a file path after 'load prompt file'."},
		{"load prompt file " + filepath.Join(dir, "prompt.odt"), "❌ Failed to load prompt from file: " + filepath.Join(dir, "prompt.odt") + ". Unsupported format or read error."},
	}
	for _, tt := range tests {
		got, ok := runCommand(t, table, customer, tt.text)
		if !ok {
			t.Errorf("%q did not match a command", tt.text)
			continue
		}
		if got != tt.want {
			t.Errorf("%q = %q, want %q", tt.text, got, tt.want)
		}
	}

	if !strings.Contains(kb.Knowledge(), "Goat,8.00") {
		t.Errorf("knowledge = %q", kb.Knowledge())
	}
	if kb.Prompt() != "You sell beef only." {
		t.Errorf("prompt = %q, want the file contents rather than the command text", kb.Prompt())
	}

	bare := NewCommandTable(CommandDeps{Knowledge: knowledge.NewBase(""), Scraper: knowledge.NewScraper(nil)})
	if got, _ := runCommand(t, bare, customer, "load google sheet"); !strings.HasPrefix(got, "❌ Failed to load Google Sheet: ") {
		t.Errorf("sheet without link = %q", got)
	}
}

func TestCommandTable_MissingCSV(t *testing.T) {
	table := NewCommandTable(CommandDeps{
		Knowledge: knowledge.NewBase(""),
		Sources:   KnowledgeSources{CSVPath: filepath.Join(t.TempDir(), "nope.csv")},
	})
	if got, _ := runCommand(t, table, customer, "load csv"); got != "❗ CSV not found." {
		t.Errorf("got %q", got)
	}
	if got, _ := runCommand(t, table, customer, "scrape site"); !strings.HasPrefix(got, "❌ Scrape failed: ") {
		t.Errorf("scrape without site = %q", got)
	}
}

func TestCommandTable_AdminGate(t *testing.T) {
	table := NewCommandTable(CommandDeps{
		Knowledge: knowledge.NewBase(""),
		Quotes:    delivery.NewCalculator(&fakeGeocoder{km: map[string]float64{"borrowdale": 12}}),
		Admins:    []string{"263770000000"},
	})
	if _, ok := runCommand(t, table, customer, "load prompt be brief"); ok {
		t.Error("non-admin matched an admin command")
	}
	if got, ok := runCommand(t, table, "263770000000", "load prompt be brief"); !ok || got != "✅ Prompt updated." {
		t.Errorf("admin load prompt = %q, %v", got, ok)
	}
	if _, ok := runCommand(t, table, customer, "do you deliver to Borrowdale?"); !ok {
		t.Error("delivery questions must stay open to customers")
	}
}

func TestCommandTable_DeliveryQuestions(t *testing.T) {
	targets := delivery.NewLatestTargets()
	geo := &fakeGeocoder{km: map[string]float64{"borrowdale": 12.3, "glenview 8": 7.5}}
	table := NewCommandTable(CommandDeps{
		Quotes:  delivery.NewCalculator(geo),
		Targets: targets,
	})

	got, _ := runCommand(t, table, customer, "Do you deliver to Borrowdale?")
	want := "🚚 *Delivery to Borrowdale* (approx. 12.3km)\n🪶 Weight: 12kg\n💵 Charge: $3.00"
	if got != want {
		t.Errorf("location reply = %q, want %q", got, want)
	}

	got, _ = runCommand(t, table, customer, "delivery to Atlantis")
	if got != "⚠️ I couldn't find delivery info for *Atlantis*." {
		t.Errorf("unresolvable reply = %q", got)
	}

	got, _ = runCommand(t, table, customer, "what is my distance?")
	if got != "I don't have your recent delivery address. Please tell me your location again." {
		t.Errorf("no target reply = %q", got)
	}

	targets.Remember(customer, delivery.Target{Location: "Glenview 8", WeightKg: 5})
	got, _ = runCommand(t, table, customer, "My distance please")
	want = "📍 Your distance from our shop at 182 Sam Nujoma is approximately 7.5 km.\n💵 Delivery charge: Varies — confirm with store based on your order of 5kg."
	if got != want {
		t.Errorf("my distance reply = %q, want %q", got, want)
	}

	targets.Remember(customer, delivery.Target{Location: "Nowhere", WeightKg: 5})
	got, _ = runCommand(t, table, customer, "my distance")
	if got != "❌ I couldn't get your distance. Please confirm the location again." {
		t.Errorf("unresolvable target reply = %q", got)
	}

	geo.err = errors.New("quota exceeded")
	got, _ = runCommand(t, table, customer, "deliver to Borrowdale")
	if got != "❌ Failed to check delivery cost. Please try again." {
		t.Errorf("lookup failure reply = %q", got)
	}
	got, _ = runCommand(t, table, customer, "my distance")
	if got != "❌ Failed to fetch your delivery distance. Please try again." {
		t.Errorf("distance failure reply = %q", got)
	}

	if _, ok := runCommand(t, table, customer, "mydistance is far"); ok {
		t.Error("\"my\" must be a separate word")
	}
}

func TestCommandTable_NoDeps(t *testing.T) {
	table := NewCommandTable(CommandDeps{})
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
	if _, ok := runCommand(t, table, customer, "load csv"); ok {
		t.Error("command matched with no collaborators")
	}
}
