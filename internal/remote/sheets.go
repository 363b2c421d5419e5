package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsBackend reads and appends rows of a Google spreadsheet. Logical
// table names map to sheet titles; unmapped tables use their own name.
type SheetsBackend struct {
	svc           *sheets.Service
	spreadsheetID string
	titles        map[string]string
}

type SheetsConfig struct {
	SpreadsheetID   string
	CredentialsFile string
	CredentialsJSON string
	Titles          map[string]string
}

func NewSheetsBackend(ctx context.Context, cfg SheetsConfig, opts ...option.ClientOption) (*SheetsBackend, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	opts = append([]option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}, opts...)
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	return &SheetsBackend{svc: svc, spreadsheetID: cfg.SpreadsheetID, titles: cfg.Titles}, nil
}

func (b *SheetsBackend) title(table string) string {
	if t, ok := b.titles[table]; ok && t != "" {
		return t
	}
	return table
}

// a1 quotes a sheet title for A1 notation.
func a1(title, cells string) string {
	r := "'" + strings.ReplaceAll(title, "'", "''") + "'"
	if cells != "" {
		r += "!" + cells
	}
	return r
}

func (b *SheetsBackend) Values(ctx context.Context, table string) ([][]string, error) {
	resp, err := b.svc.Spreadsheets.Values.Get(b.spreadsheetID, a1(b.title(table), "")).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	return toStrings(resp.Values), nil
}

func (b *SheetsBackend) Header(ctx context.Context, table string) ([]string, error) {
	resp, err := b.svc.Spreadsheets.Values.Get(b.spreadsheetID, a1(b.title(table), "1:1")).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	rows := toStrings(resp.Values)
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (b *SheetsBackend) AppendRow(ctx context.Context, table string, row []string) error {
	cells := make([]interface{}, len(row))
	for i, v := range row {
		cells[i] = v
	}
	vr := &sheets.ValueRange{Values: [][]interface{}{cells}}
	// RAW keeps user-supplied values such as "=HYPERLINK(...)" as plain text.
	_, err := b.svc.Spreadsheets.Values.Append(b.spreadsheetID, a1(b.title(table), ""), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

func toStrings(values [][]interface{}) [][]string {
	out := make([][]string, len(values))
	for i, row := range values {
		r := make([]string, len(row))
		for j, v := range row {
			if v != nil {
				r[j] = fmt.Sprint(v)
			}
		}
		out[i] = r
	}
	return out
}

// classify wraps quota errors with ErrThrottled.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	if gerr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	if gerr.Code == http.StatusForbidden {
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return fmt.Errorf("%w: %w", ErrThrottled, err)
			}
		}
	}
	if strings.Contains(gerr.Message, "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	return err
}
