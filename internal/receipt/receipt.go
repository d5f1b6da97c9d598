// Package receipt renders order receipts as PDF documents.
package receipt

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/go-pdf/fpdf"
)

const (
	title  = "Para Meats Receipt"
	footer = "Thank you for your order! Visit parameats.co.zw"

	// Caption accompanies the receipt document in chat.
	Caption = "Here is your order receipt."
)

// Document is a rendered receipt.
type Document struct {
	Filename string
	Data     []byte
}

// Renderer builds receipt PDFs.
type Renderer struct {
	logoPath string
	compress bool
	now      func() time.Time
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogo places the image at path in the page header when it exists.
func WithLogo(path string) Option {
	return func(r *Renderer) { r.logoPath = path }
}

// WithClock overrides the time source used for the receipt date and filename.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// WithCompression toggles PDF stream compression.
func WithCompression(on bool) Option {
	return func(r *Renderer) { r.compress = on }
}

// NewRenderer creates a Renderer.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{compress: true, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render produces the receipt for o, named receipt_{phone}_{unix}.pdf.
func (r *Renderer) Render(o models.Order) (Document, error) {
	now := r.now()
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.compress)
	pdf.SetTitle(title, true)
	pdf.SetCreationDate(now)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	logo := ""
	if r.logoPath != "" {
		if _, err := os.Stat(r.logoPath); err == nil {
			logo = r.logoPath
		}
	}
	pdf.SetHeaderFunc(func() {
		if logo != "" {
			pdf.ImageOptions(logo, 10, 8, 30, 0, false, fpdf.ImageOptions{ReadDpi: true}, 0, "")
		}
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 10, title, "", 1, "C", false, 0, "")
		pdf.Ln(20)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, footer, "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 12)
	lines := []struct{ label, value string }{
		{"Phone", o.PhoneNumber},
		{"Product", o.Item},
		{"Quantity", o.Quantity},
		{"Price", o.PriceOption},
		{"Cut", o.Portion},
		{"Payment", o.PaymentMethod},
		{"Delivery Address", o.DeliveryAddress},
		{"Delivery Time", o.DeliveryTime},
		{"Date", now.Format("2006-01-02 15:04:05")},
	}
	for _, l := range lines {
		pdf.CellFormat(0, 10, tr(latin1(l.label+": "+l.value)), "", 1, "", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return Document{}, fmt.Errorf("failed to render receipt for %s: %w", o.PhoneNumber, err)
	}
	return Document{
		Filename: fmt.Sprintf("receipt_%s_%d.pdf", o.PhoneNumber, now.Unix()),
		Data:     buf.Bytes(),
	}, nil
}

// latin1 drops runes the core PDF fonts cannot encode, such as emoji.
func latin1(s string) string {
	return strings.Map(func(r rune) rune {
		if r > 0xFF {
			return -1
		}
		return r
	}, s)
}
