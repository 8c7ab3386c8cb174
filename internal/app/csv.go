package app

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"mediahub/internal/library"
	"mediahub/pkg/models"
)

// CSVHeader is the column layout of library exports. Custom lists are
// written by name; tags are separated by ';'.
var CSVHeader = []string{"id", "media_type", "title", "year", "list", "user_rating", "notes", "tags", "poster_url", "added_at"}

// CSVRow is one imported line. added_at is not read back: imported
// entries are stamped when they are applied.
type CSVRow struct {
	Item models.Item
	List string
}

// ImportReport counts what an import did.
type ImportReport struct {
	Imported     int
	Skipped      int
	ListsCreated int
}

// WriteCSV writes every entry of the library in display order.
func (a *App) WriteCSV(w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}
	entries := a.Store.Entries("")
	library.SortEntries(entries, library.SortAddedDesc)
	n := 0
	for _, e := range entries {
		list := string(e.List)
		if _, custom := e.List.CustomID(); custom {
			name, ok := a.Query.DisplayName(e.List)
			if !ok {
				continue
			}
			list = name
		}
		it := e.Item
		row := []string{
			strconv.FormatInt(it.ID, 10),
			string(it.MediaType),
			it.Title,
			formatInt(it.Year),
			list,
			formatFloat(it.UserRating),
			it.Notes,
			strings.Join(it.Tags, ";"),
			it.PosterURL,
			e.AddedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}

// ReadCSV parses an export. Columns are matched by header name, so extra
// or reordered columns are fine; id, media_type and list are required.
func ReadCSV(r io.Reader) ([]CSVRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header := make(map[string]int, len(head))
	for idx, name := range head {
		header[strings.TrimSpace(strings.ToLower(name))] = idx
	}
	for _, col := range []string{"id", "media_type", "list"} {
		if _, ok := header[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rows []CSVRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 {
			continue
		}
		row, err := parseRow(header, rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(header map[string]int, rec []string) (CSVRow, error) {
	value := func(key string) string {
		idx, ok := header[key]
		if !ok || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	id, err := strconv.ParseInt(value("id"), 10, 64)
	if err != nil {
		return CSVRow{}, fmt.Errorf("parse id: %w", err)
	}
	mt, ok := models.ParseMediaType(value("media_type"))
	if !ok {
		return CSVRow{}, fmt.Errorf("unknown media type %q", value("media_type"))
	}
	it := models.Item{
		ID:        id,
		MediaType: mt,
		Title:     value("title"),
		Notes:     value("notes"),
		PosterURL: value("poster_url"),
	}
	if raw := value("year"); raw != "" {
		if it.Year, err = strconv.Atoi(raw); err != nil {
			return CSVRow{}, fmt.Errorf("parse year: %w", err)
		}
	}
	if raw := value("user_rating"); raw != "" {
		if it.UserRating, err = strconv.ParseFloat(raw, 64); err != nil {
			return CSVRow{}, fmt.Errorf("parse user_rating: %w", err)
		}
	}
	if raw := value("tags"); raw != "" {
		it.Tags = strings.Split(raw, ";")
	}

	row := CSVRow{Item: it, List: value("list")}
	if row.List == "" {
		return CSVRow{}, errors.New("empty list")
	}
	return row, nil
}

// Import upserts rows into the library. A list name that is neither
// built-in nor an existing custom list creates one, within the plan limit.
// Rows that cannot be placed are skipped and reported.
func (a *App) Import(rows []CSVRow) (ImportReport, error) {
	var rep ImportReport
	for _, row := range rows {
		list, created, err := a.importList(row.List)
		if errors.Is(err, library.ErrLimitExceeded) {
			return rep, err
		}
		if err != nil {
			rep.Skipped++
			continue
		}
		if created {
			rep.ListsCreated++
		}
		if _, err := a.Store.Upsert(row.Item, list); err != nil {
			a.Log.Warn("import_row_skipped", "key", row.Item.Key().String(), "err", err)
			rep.Skipped++
			continue
		}
		rep.Imported++
	}
	return rep, nil
}

func (a *App) importList(raw string) (models.ListName, bool, error) {
	if name, ok := models.ParseListName(raw); ok {
		return name, false, nil
	}
	for _, l := range a.Lists.Lists() {
		if strings.EqualFold(l.Name, raw) {
			return l.ListName(), false, nil
		}
	}
	l, err := a.Lists.CreateList(raw, "")
	if err != nil {
		return "", false, err
	}
	return l.ListName(), true, nil
}

func formatInt(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func formatFloat(f float64) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
