package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	TableCatalog  = "catalog"
	TableTexts    = "texts"
	TableFollowup = "followup"
	TableLeads    = "leads"
)

// TableSchema lists the columns code relies on. Required columns are needed
// for the table to be usable at all; optional ones degrade single features.
type TableSchema struct {
	Name     string
	Required []string
	Optional []string
}

func DefaultSchemas() []TableSchema {
	return []TableSchema{
		{Name: TableCatalog, Required: []string{"id", "title", "active"}, Optional: []string{"description", "category", "drive_file_id"}},
		{Name: TableTexts, Required: []string{"key", "text"}},
		{Name: TableFollowup, Required: []string{"key", "text"}, Optional: []string{"delay_hours"}},
		{Name: TableLeads, Required: []string{"timestamp", "user_id", "name"}, Optional: []string{"username", "email", "guide", "consent", "source", "interests", "warmth"}},
	}
}

type TableReport struct {
	Table           string   `json:"table"`
	MissingRequired []string `json:"missing_required,omitempty"`
	MissingOptional []string `json:"missing_optional,omitempty"`
	Extra           []string `json:"extra,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// SchemaReport is advisory: it feeds the health view and never blocks calls.
type SchemaReport struct {
	Healthy   bool          `json:"healthy"`
	Blocking  []string      `json:"blocking"`
	Advisory  []string      `json:"advisory"`
	Tables    []TableReport `json:"tables"`
	CheckedAt time.Time     `json:"checked_at"`
}

func normalizeColumn(c string) string { return strings.ToLower(strings.TrimSpace(c)) }

// compareHeader matches header against schema case-insensitively.
func compareHeader(schema TableSchema, header []string) TableReport {
	rep := TableReport{Table: schema.Name}
	have := make(map[string]bool, len(header))
	for _, h := range header {
		if n := normalizeColumn(h); n != "" {
			have[n] = true
		}
	}
	known := make(map[string]bool)
	for _, c := range schema.Required {
		known[normalizeColumn(c)] = true
		if !have[normalizeColumn(c)] {
			rep.MissingRequired = append(rep.MissingRequired, c)
		}
	}
	for _, c := range schema.Optional {
		known[normalizeColumn(c)] = true
		if !have[normalizeColumn(c)] {
			rep.MissingOptional = append(rep.MissingOptional, c)
		}
	}
	for c := range have {
		if !known[c] {
			rep.Extra = append(rep.Extra, c)
		}
	}
	sort.Strings(rep.Extra)
	return rep
}

// ValidateSchema reads the header row of every known table and compares it
// with the expected columns. The result is kept for LastSchemaReport.
func (s *Store) ValidateSchema(ctx context.Context) SchemaReport {
	rep := SchemaReport{Healthy: true, Blocking: []string{}, Advisory: []string{}, CheckedAt: s.now()}
	for _, name := range s.order {
		schema := s.schemas[name]
		var header []string
		err := s.call(ctx, "header", func(ctx context.Context) error {
			var err error
			header, err = s.backend.Header(ctx, name)
			return err
		})
		if err != nil {
			tr := TableReport{Table: name, Error: err.Error()}
			rep.Tables = append(rep.Tables, tr)
			rep.Healthy = false
			rep.Blocking = append(rep.Blocking, fmt.Sprintf("table %s: header unreadable: %v", name, err))
			continue
		}

		tr := compareHeader(schema, header)
		rep.Tables = append(rep.Tables, tr)
		for _, c := range tr.MissingRequired {
			rep.Healthy = false
			rep.Blocking = append(rep.Blocking, fmt.Sprintf("table %s: missing required column %q", name, c))
		}
		for _, c := range tr.MissingOptional {
			rep.Advisory = append(rep.Advisory, fmt.Sprintf("table %s: missing optional column %q", name, c))
		}
		if len(tr.Extra) > 0 {
			s.log.Info().Str("table", name).Strs("columns", tr.Extra).Msg("unexpected columns")
		}
	}

	ev := s.log.Info()
	if !rep.Healthy {
		ev = s.log.Warn().Strs("blocking", rep.Blocking)
	}
	ev.Bool("healthy", rep.Healthy).Int("advisory", len(rep.Advisory)).Msg("schema validated")
	s.report.Store(&rep)
	return rep
}

// LastSchemaReport returns the most recent ValidateSchema result.
func (s *Store) LastSchemaReport() (SchemaReport, bool) {
	p := s.report.Load()
	if p == nil {
		return SchemaReport{}, false
	}
	return *p, true
}
