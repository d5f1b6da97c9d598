package knowledge

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"
)

// ErrSourceNotFound is returned when a knowledge file does not exist.
var ErrSourceNotFound = errors.New("knowledge source not found")

// Table is tabular knowledge rendered back to CSV text.
type Table struct {
	// Rows counts data rows, excluding the header.
	Rows int
	Text string
}

// LoadCSV reads a CSV file whose first record is a header.
func LoadCSV(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Table{}, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return Table{}, fmt.Errorf("failed to open csv %s: %w", path, err)
	}
	defer f.Close()

	table, err := parseCSV(f)
	if err != nil {
		return Table{}, fmt.Errorf("failed to parse csv %s: %w", path, err)
	}
	return table, nil
}

func parseCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return Table{}, err
	}
	return renderTable(records)
}

// LoadExcel reads the first sheet of an .xlsx workbook whose first row is a header.
func LoadExcel(path string) (Table, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Table{}, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return renderTable(rows)
}

func renderTable(records [][]string) (Table, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return Table{}, fmt.Errorf("failed to render table: %w", err)
	}
	rows := len(records) - 1
	if rows < 0 {
		rows = 0
	}
	return Table{Rows: rows, Text: buf.String()}, nil
}

// Scraper fetches web pages and published Google Sheets.
type Scraper struct {
	client    *http.Client
	sheetBase string
}

// NewScraper creates a Scraper. A nil client selects one with a 15s timeout.
func NewScraper(client *http.Client) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Scraper{client: client, sheetBase: DefaultSheetBase}
}

// get returns the body of a 200 response. The caller closes it.
func (s *Scraper) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// Scrape returns the text of every <p> element on the page, one per line.
func (s *Scraper) Scrape(ctx context.Context, url string) (string, error) {
	body, err := s.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", url, err)
	}
	var parts []string
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		parts = append(parts, sel.Text())
	})
	slog.Debug("Scraper.Scrape: extracted paragraphs", "url", url, "count", len(parts))
	return strings.Join(parts, "\n"), nil
}
