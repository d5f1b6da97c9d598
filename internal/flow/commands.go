package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/delivery"
	"github.com/BTreeMap/OrderPipe/internal/knowledge"
)

// locationQuoteWeightKg is the weight assumed when quoting an ad-hoc
// delivery location question, so the banded fee is shown.
const locationQuoteWeightKg = 12

// CommandRequest is the input to a side command.
type CommandRequest struct {
	Identity string
	Text     string
	Lower    string
}

// Command is an out-of-band action matched before the order-start trigger.
type Command struct {
	Name  string
	Admin bool
	Match func(req CommandRequest) bool
	Run   func(ctx context.Context, req CommandRequest) string
}

// KnowledgeSources locates the files and site used by the load commands.
type KnowledgeSources struct {
	CSVPath   string
	ExcelPath string
	SiteURL   string
	SheetURL  string
}

// CommandTable holds the side commands in priority order.
type CommandTable struct {
	commands []Command
	admins   map[string]struct{}
}

// CommandDeps are the collaborators of the built-in commands. Nil
// collaborators disable the commands that need them.
type CommandDeps struct {
	Knowledge *knowledge.Base
	Sources   KnowledgeSources
	Scraper   *knowledge.Scraper
	Quotes    *delivery.Calculator
	Targets   *delivery.LatestTargets
	Origin    string
	Admins    []string
}

// NewCommandTable builds the built-in command table.
func NewCommandTable(deps CommandDeps) *CommandTable {
	t := &CommandTable{admins: make(map[string]struct{})}
	for _, a := range deps.Admins {
		if a = strings.TrimSpace(a); a != "" {
			t.admins[a] = struct{}{}
		}
	}
	if deps.Knowledge != nil {
		t.commands = append(t.commands, knowledgeCommands(deps)...)
	}
	if deps.Quotes != nil {
		t.commands = append(t.commands, deliveryCommands(deps)...)
	}
	return t
}

// Add appends a command at the lowest priority.
func (t *CommandTable) Add(c Command) {
	t.commands = append(t.commands, c)
}

// Len returns the number of registered commands.
func (t *CommandTable) Len() int {
	return len(t.commands)
}

// Lookup returns the first command matching text that identity may run.
// Admin commands are invisible to non-admins when an admin list is configured.
func (t *CommandTable) Lookup(identity, text string) (*Command, CommandRequest, bool) {
	req := CommandRequest{Identity: identity, Text: text, Lower: strings.ToLower(strings.TrimSpace(text))}
	for i := range t.commands {
		c := &t.commands[i]
		if c.Admin && !t.isAdmin(identity) {
			continue
		}
		if c.Match(req) {
			return c, req, true
		}
	}
	return nil, req, false
}

func (t *CommandTable) isAdmin(identity string) bool {
	if len(t.admins) == 0 {
		return true
	}
	_, ok := t.admins[identity]
	return ok
}

func contains(sub string) func(CommandRequest) bool {
	return func(r CommandRequest) bool { return strings.Contains(r.Lower, sub) }
}

var (
	loadPromptPattern     = regexp.MustCompile(`(?is)^load prompt\b(.*)`)
	loadPromptFilePattern = regexp.MustCompile(`(?is)^load prompt file\b(.*)`)
)

func knowledgeCommands(deps CommandDeps) []Command {
	kb := deps.Knowledge
	return []Command{
		{
			Name:  "load_csv",
			Admin: true,
			Match: contains("load csv"),
			Run: func(ctx context.Context, req CommandRequest) string {
				table, err := knowledge.LoadCSV(deps.Sources.CSVPath)
				if err != nil {
					slog.Warn("CommandTable.load_csv: load failed", "path", deps.Sources.CSVPath, "error", err)
					return "❗ CSV not found."
				}
				kb.Append(table.Text)
				return fmt.Sprintf("📄 CSV loaded with %d rows.", table.Rows)
			},
		},
		{
			Name:  "load_excel",
			Admin: true,
			Match: contains("load excel"),
			Run: func(ctx context.Context, req CommandRequest) string {
				table, err := knowledge.LoadExcel(deps.Sources.ExcelPath)
				if err != nil {
					slog.Warn("CommandTable.load_excel: load failed", "path", deps.Sources.ExcelPath, "error", err)
					return "❗ Excel file not found."
				}
				kb.Append(table.Text)
				return fmt.Sprintf("📊 Excel loaded with %d rows.", table.Rows)
			},
		},
		{
			Name:  "scrape_site",
			Admin: true,
			Match: contains("scrape site"),
			Run: func(ctx context.Context, req CommandRequest) string {
				if deps.Scraper == nil || deps.Sources.SiteURL == "" {
					return "❌ Scrape failed: no site configured"
				}
				text, err := deps.Scraper.Scrape(ctx, deps.Sources.SiteURL)
				if err != nil {
					slog.Warn("CommandTable.scrape_site: scrape failed", "url", deps.Sources.SiteURL, "error", err)
					return "❌ Scrape failed: " + err.Error()
				}
				kb.Append(text)
				return "🌐 Website scraped successfully."
			},
		},
		{
			Name:  "load_google_sheet",
			Admin: true,
			Match: contains("load google sheet"),
			Run: func(ctx context.Context, req CommandRequest) string {
				if deps.Scraper == nil || deps.Sources.SheetURL == "" {
					return "❌ Failed to load Google Sheet: no sheet configured"
				}
				table, err := deps.Scraper.LoadSheet(ctx, deps.Sources.SheetURL)
				if err != nil {
					slog.Warn("CommandTable.load_google_sheet: load failed", "sheet", deps.Sources.SheetURL, "error", err)
					return "❌ Failed to load Google Sheet: " + err.Error()
				}
				kb.Append(table.Text)
				return fmt.Sprintf("📄 Google Sheet loaded with %d rows.", table.Rows)
			},
		},
		{
			Name:  "load_prompt_file",
			Admin: true,
			Match: func(r CommandRequest) bool { return strings.HasPrefix(r.Lower, "load prompt file") },
			Run: func(ctx context.Context, req CommandRequest) string {
				m := loadPromptFilePattern.FindStringSubmatch(strings.TrimSpace(req.Text))
				path := ""
				if m != nil {
					path = strings.TrimSpace(m[1])
				}
				if path == "" {
					return "❗ Please provide a file path after 'load prompt file'."
				}
				text, err := knowledge.ExtractText(path)
				if err != nil || !kb.SetPrompt(text) {
					slog.Warn("CommandTable.load_prompt_file: load failed", "path", path, "error", err)
					return fmt.Sprintf("❌ Failed to load prompt from file: %s. Unsupported format or read error.", path)
				}
				slog.Info("CommandTable.load_prompt_file: prompt replaced", "identity", req.Identity, "path", path)
				return "✅ Prompt loaded from file: " + path
			},
		},
		{
			Name:  "load_prompt",
			Admin: true,
			Match: func(r CommandRequest) bool { return strings.HasPrefix(r.Lower, "load prompt") },
			Run: func(ctx context.Context, req CommandRequest) string {
				m := loadPromptPattern.FindStringSubmatch(strings.TrimSpace(req.Text))
				if m == nil || !kb.SetPrompt(m[1]) {
					return "❗ No prompt provided."
				}
				slog.Info("CommandTable.load_prompt: prompt replaced", "identity", req.Identity)
				return "✅ Prompt updated."
			},
		},
	}
}

func deliveryCommands(deps CommandDeps) []Command {
	origin := deps.Origin
	if origin == "" {
		origin = delivery.DefaultOrigin
	}
	shop := strings.SplitN(origin, ",", 2)[0]
	return []Command{
		{
			Name: "delivery_location",
			Match: func(r CommandRequest) bool {
				_, ok := delivery.ExtractLocation(r.Text)
				return ok
			},
			Run: func(ctx context.Context, req CommandRequest) string {
				loc, _ := delivery.ExtractLocation(req.Text)
				q, err := deps.Quotes.Quote(ctx, loc, locationQuoteWeightKg)
				if errors.Is(err, delivery.ErrUnresolvable) {
					return fmt.Sprintf("⚠️ I couldn't find delivery info for *%s*.", loc)
				}
				if err != nil {
					slog.Error("CommandTable.delivery_location: quote failed", "location", loc, "error", err)
					return "❌ Failed to check delivery cost. Please try again."
				}
				return fmt.Sprintf("🚚 *Delivery to %s* (approx. %skm)\n🪶 Weight: %skg\n💵 Charge: %s",
					loc, formatNumber(q.DistanceKm), formatNumber(q.WeightKg), q.DeliveryCharge)
			},
		},
		{
			Name: "my_distance",
			Match: func(r CommandRequest) bool {
				return strings.Contains(r.Lower, "distance") && hasWord(r.Lower, "my")
			},
			Run: func(ctx context.Context, req CommandRequest) string {
				var target delivery.Target
				ok := false
				if deps.Targets != nil {
					target, ok = deps.Targets.Get(req.Identity)
				}
				if !ok {
					return "I don't have your recent delivery address. Please tell me your location again."
				}
				q, err := deps.Quotes.Quote(ctx, target.Location, target.WeightKg)
				if errors.Is(err, delivery.ErrUnresolvable) {
					return "❌ I couldn't get your distance. Please confirm the location again."
				}
				if err != nil {
					slog.Error("CommandTable.my_distance: quote failed", "identity", req.Identity, "error", err)
					return "❌ Failed to fetch your delivery distance. Please try again."
				}
				return fmt.Sprintf("📍 Your distance from our shop at %s is approximately %s km.\n💵 Delivery charge: %s based on your order of %skg.",
					shop, formatNumber(q.DistanceKm), q.DeliveryCharge, formatNumber(q.WeightKg))
			},
		},
	}
}

func hasWord(lower, word string) bool {
	for _, f := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if f == word {
			return true
		}
	}
	return false
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
