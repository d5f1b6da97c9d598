package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// DefaultSheetBase is the host serving Google Sheets exports.
const DefaultSheetBase = "https://docs.google.com"

// ErrInvalidSheet is returned for a sheet link without a spreadsheet id.
var ErrInvalidSheet = errors.New("invalid google sheet link")

var (
	sheetIDPattern  = regexp.MustCompile(`/spreadsheets/d/([A-Za-z0-9_-]+)`)
	bareSheetID     = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`)
	sheetGIDPattern = regexp.MustCompile(`[#&?]gid=(\d+)`)
)

// sheetExportURL turns a sheet link or bare id into its CSV export URL on the
// link's own host, or on base for a bare id. The tab named by gid in the link
// is exported, otherwise the first tab.
func sheetExportURL(base, sheet string) (string, error) {
	sheet = strings.TrimSpace(sheet)
	var id string
	if m := sheetIDPattern.FindStringSubmatch(sheet); m != nil {
		id = m[1]
		if u, err := url.Parse(sheet); err == nil && u.Scheme != "" && u.Host != "" {
			base = u.Scheme + "://" + u.Host
		}
	} else if bareSheetID.MatchString(sheet) {
		id = sheet
	} else {
		return "", fmt.Errorf("%w: %q", ErrInvalidSheet, sheet)
	}
	q := url.Values{"format": {"csv"}}
	if m := sheetGIDPattern.FindStringSubmatch(sheet); m != nil {
		q.Set("gid", m[1])
	}
	return strings.TrimRight(base, "/") + "/spreadsheets/d/" + id + "/export?" + q.Encode(), nil
}

// LoadSheet downloads a Google Sheet shared by link as CSV. The first row is
// the header.
func (s *Scraper) LoadSheet(ctx context.Context, sheet string) (Table, error) {
	exportURL, err := sheetExportURL(s.sheetBase, sheet)
	if err != nil {
		return Table{}, err
	}
	body, err := s.get(ctx, exportURL)
	if err != nil {
		return Table{}, err
	}
	defer body.Close()

	table, err := parseCSV(body)
	if err != nil {
		return Table{}, fmt.Errorf("failed to parse sheet export: %w", err)
	}
	slog.Debug("Scraper.LoadSheet: sheet loaded", "url", exportURL, "rows", table.Rows)
	return table, nil
}
