package receipt

import (
	"bytes"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

func TestRender(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	r := NewRenderer(WithClock(func() time.Time { return fixed }), WithCompression(false), WithLogo("/nonexistent/logo.png"))
	doc, err := r.Render(models.Order{
		PhoneNumber:     "263771111111",
		Item:            "Beef 🥩",
		Quantity:        "5kg",
		PriceOption:     "$30",
		Portion:         "steak",
		PaymentMethod:   "Ecocash",
		DeliveryAddress: "8233 Glenview 8",
		DeliveryTime:    "Morning",
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if want := "receipt_263771111111_1748773800.pdf"; doc.Filename != want {
		t.Errorf("filename = %q, want %q", doc.Filename, want)
	}
	if !bytes.HasPrefix(doc.Data, []byte("%PDF-")) {
		t.Fatalf("output is not a PDF")
	}
	for _, want := range []string{
		"Para Meats Receipt",
		"Phone: 263771111111",
		"Product: Beef ",
		"Delivery Address: 8233 Glenview 8",
		"Date: 2025-06-01 10:30:00",
		"Thank you for your order! Visit parameats.co.zw",
	} {
		if !bytes.Contains(doc.Data, []byte(want)) {
			t.Errorf("receipt missing %q", want)
		}
	}
}

func TestLatin1(t *testing.T) {
	if got := latin1("Café 🥩 ok"); got != "Café  ok" {
		t.Errorf("latin1 = %q", got)
	}
}
