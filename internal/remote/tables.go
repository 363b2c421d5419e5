package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"leadflow/internal/cache"
)

// Record is one data row keyed by normalized column name.
type Record map[string]string

type Guide struct {
	ID          string
	Title       string
	Description string
	Category    string
	DriveFileID string
}

type Lead struct {
	At        time.Time
	UserID    int64
	Username  string
	Name      string
	Email     string
	Guide     string
	Consent   bool
	Source    string
	Interests string
	Warmth    string
}

func (l Lead) record() Record {
	consent := ""
	if l.Consent {
		consent = "yes"
	}
	return Record{
		"timestamp": l.At.UTC().Format("2006-01-02 15:04:05"),
		"user_id":   strconv.FormatInt(l.UserID, 10),
		"username":  l.Username,
		"name":      l.Name,
		"email":     l.Email,
		"guide":     l.Guide,
		"consent":   consent,
		"source":    l.Source,
		"interests": l.Interests,
		"warmth":    l.Warmth,
	}
}

// parseRecords turns raw values into records. Blank header cells become
// _col_N and duplicates get a numeric suffix so no column is lost.
func parseRecords(values [][]string) []Record {
	if len(values) == 0 {
		return nil
	}
	header := make([]string, len(values[0]))
	seen := make(map[string]int)
	for i, h := range values[0] {
		h = normalizeColumn(h)
		if h == "" {
			h = fmt.Sprintf("_col_%d", i)
		}
		if n, ok := seen[h]; ok {
			seen[h] = n + 1
			h = fmt.Sprintf("%s_%d", h, n+1)
		} else {
			seen[h] = 0
		}
		header[i] = h
	}

	out := make([]Record, 0, len(values)-1)
	for _, row := range values[1:] {
		rec := make(Record, len(header))
		empty := true
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
				if strings.TrimSpace(row[i]) != "" {
					empty = false
				}
			} else {
				rec[col] = ""
			}
		}
		if !empty {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) schema(table string) (TableSchema, error) {
	t, ok := s.schemas[table]
	if !ok {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return t, nil
}

// readRecords reads a table through the retry policy, bypassing the cache.
func (s *Store) readRecords(ctx context.Context, table string) ([]Record, error) {
	if _, err := s.schema(table); err != nil {
		return nil, err
	}
	var values [][]string
	err := s.call(ctx, "values", func(ctx context.Context) error {
		var err error
		values, err = s.backend.Values(ctx, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseRecords(values), nil
}

// Records returns the rows of table, served from the cache while fresh.
func (s *Store) Records(ctx context.Context, table string) ([]Record, error) {
	if _, err := s.schema(table); err != nil {
		return nil, err
	}
	return cache.Fetch(ctx, s.cache, "table:"+table, func(ctx context.Context) ([]Record, error) {
		return s.readRecords(ctx, table)
	})
}

// Get returns the row of table whose first required column equals key.
func (s *Store) Get(ctx context.Context, table, key string) (Record, bool, error) {
	schema, err := s.schema(table)
	if err != nil {
		return nil, false, err
	}
	if len(schema.Required) == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrNoKeyColumn, table)
	}
	rows, err := s.Records(ctx, table)
	if err != nil {
		return nil, false, err
	}
	col := normalizeColumn(schema.Required[0])
	for _, r := range rows {
		if strings.TrimSpace(r[col]) == key {
			return r, true, nil
		}
	}
	return nil, false, nil
}

// Catalog returns the active guides.
func (s *Store) Catalog(ctx context.Context) ([]Guide, error) {
	return cache.Fetch(ctx, s.cache, TableCatalog, func(ctx context.Context) ([]Guide, error) {
		rows, err := s.readRecords(ctx, TableCatalog)
		if err != nil {
			return nil, err
		}
		var guides []Guide
		for _, r := range rows {
			if !strings.EqualFold(strings.TrimSpace(r["active"]), "true") {
				continue
			}
			guides = append(guides, Guide{
				ID:          strings.TrimSpace(r["id"]),
				Title:       r["title"],
				Description: r["description"],
				Category:    r["category"],
				DriveFileID: strings.TrimSpace(r["drive_file_id"]),
			})
		}
		s.log.Info().Int("guides", len(guides)).Msg("catalog loaded")
		return guides, nil
	})
}

func (s *Store) keyedTexts(ctx context.Context, table string) (map[string]string, error) {
	return cache.Fetch(ctx, s.cache, table, func(ctx context.Context) (map[string]string, error) {
		rows, err := s.readRecords(ctx, table)
		if err != nil {
			return nil, err
		}
		texts := make(map[string]string, len(rows))
		for _, r := range rows {
			if k := strings.TrimSpace(r["key"]); k != "" {
				texts[k] = r["text"]
			}
		}
		return texts, nil
	})
}

// Texts returns bot texts by key.
func (s *Store) Texts(ctx context.Context) (map[string]string, error) {
	return s.keyedTexts(ctx, TableTexts)
}

// FollowupTexts returns the follow-up series texts by key.
func (s *Store) FollowupTexts(ctx context.Context) (map[string]string, error) {
	return s.keyedTexts(ctx, TableFollowup)
}

// Append writes row to table, never through the cache. When the write fails
// and a Deferrer is set, the row is queued for replay and the returned error
// wraps ErrDeferred.
func (s *Store) Append(ctx context.Context, table string, row Record) error {
	err := s.AppendNow(ctx, table, row)
	if err == nil || s.deferrer == nil || errors.Is(err, ErrUnknownTable) {
		return err
	}
	id, derr := s.deferrer.DeferWrite(ctx, table, row)
	if derr != nil {
		s.log.Error().Err(derr).Str("table", table).Msg("could not defer failed write")
		return err
	}
	s.log.Warn().Err(err).Str("table", table).Str("task_id", id).Msg("write deferred")
	return fmt.Errorf("%w (task %s): %w", ErrDeferred, id, err)
}

// AppendNow writes row to table, ordering values by the live header.
// Columns the sheet does not have are dropped.
func (s *Store) AppendNow(ctx context.Context, table string, row Record) error {
	if _, err := s.schema(table); err != nil {
		return err
	}
	var header []string
	err := s.call(ctx, "header", func(ctx context.Context) error {
		var err error
		header, err = s.backend.Header(ctx, table)
		return err
	})
	if err != nil {
		return err
	}
	if len(header) == 0 {
		return fmt.Errorf("append %s: table has no header row", table)
	}

	norm := make(Record, len(row))
	for k, v := range row {
		norm[normalizeColumn(k)] = v
	}
	values := make([]string, len(header))
	for i, h := range header {
		values[i] = norm[normalizeColumn(h)]
	}
	err = s.call(ctx, "append", func(ctx context.Context) error {
		return s.backend.AppendRow(ctx, table, values)
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate("table:" + table)
	return nil
}

func (s *Store) AppendLead(ctx context.Context, l Lead) error {
	if l.At.IsZero() {
		l.At = s.now()
	}
	return s.Append(ctx, TableLeads, l.record())
}

// CountLeadsSince counts lead rows whose timestamp is at or after since.
// Rows with an unparseable timestamp are skipped.
func (s *Store) CountLeadsSince(ctx context.Context, since time.Time) (int, error) {
	rows, err := s.Records(ctx, TableLeads)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		ts, ok := parseTimestamp(r["timestamp"])
		if ok && !ts.Before(since) {
			n++
		}
	}
	return n, nil
}

func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02T15:04:05", "02.01.2006 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
