package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"leadflow/internal/cache"
	"leadflow/internal/domain"
)

type fakeBackend struct {
	mu      sync.Mutex
	tables  map[string][][]string
	errs    map[string][]error // per method, consumed in order
	calls   map[string]int
	appends map[string][][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tables:  map[string][][]string{},
		errs:    map[string][]error{},
		calls:   map[string]int{},
		appends: map[string][][]string{},
	}
}

func (f *fakeBackend) next(method string) error {
	f.calls[method]++
	q := f.errs[method]
	if len(q) == 0 {
		return nil
	}
	f.errs[method] = q[1:]
	return q[0]
}

func (f *fakeBackend) Values(_ context.Context, table string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("values"); err != nil {
		return nil, err
	}
	return f.tables[table], nil
}

func (f *fakeBackend) Header(_ context.Context, table string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("header"); err != nil {
		return nil, err
	}
	if len(f.tables[table]) == 0 {
		return nil, nil
	}
	return f.tables[table][0], nil
}

func (f *fakeBackend) AppendRow(_ context.Context, table string, row []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next("append"); err != nil {
		return err
	}
	f.appends[table] = append(f.appends[table], row)
	return nil
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return nil
}

func newTestStore(b Backend, opts ...Option) (*Store, *sleeps) {
	sl := &sleeps{}
	opts = append([]Option{WithSleep(sl.sleep)}, opts...)
	return New(b, cache.New(time.Minute), Config{InitialDelay: 100 * time.Millisecond}, opts...), sl
}

func throttled() error { return fmt.Errorf("%w: quota", ErrThrottled) }

func TestThrottledTwiceThenSuccess(t *testing.T) {
	b := newFakeBackend()
	b.tables[TableTexts] = [][]string{{"key", "text"}, {"hello", "Hi!"}}
	b.errs["values"] = []error{throttled(), throttled()}
	s, sl := newTestStore(b)

	texts, err := s.Texts(context.Background())
	if err != nil {
		t.Fatalf("Texts: %v", err)
	}
	if texts["hello"] != "Hi!" {
		t.Errorf("texts = %v", texts)
	}
	if b.calls["values"] != 3 {
		t.Fatalf("attempts = %d, want 3", b.calls["values"])
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(sl.d) != 2 || sl.d[0] != want[0] || sl.d[1] != want[1] {
		t.Errorf("delays = %v, want %v", sl.d, want)
	}

	h := s.Health()
	if h.ConsecutiveFailures != 0 || h.Methods["values"].ConsecutiveFailures != 0 {
		t.Errorf("failure counters not reset: %+v", h)
	}
	counts := s.Telemetry().(*Counters).Snapshot()["values"]
	if counts["success"] != 1 || counts["throttled"] != 2 || counts["failure"] != 0 {
		t.Errorf("telemetry = %v", counts)
	}
}

func TestThrottlingExhaustsRetries(t *testing.T) {
	b := newFakeBackend()
	b.errs["values"] = []error{throttled(), throttled(), throttled(), throttled()}
	s, sl := newTestStore(b)

	_, err := s.Records(context.Background(), TableTexts)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
	if b.calls["values"] != 3 || len(sl.d) != 2 {
		t.Errorf("attempts = %d sleeps = %d; want 3 and 2", b.calls["values"], len(sl.d))
	}
	if s.Health().ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", s.Health().ConsecutiveFailures)
	}
}

func TestOtherErrorsFailFast(t *testing.T) {
	b := newFakeBackend()
	boom := errors.New("permission denied")
	b.errs["values"] = []error{boom}
	s, sl := newTestStore(b)

	_, err := s.Records(context.Background(), TableCatalog)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if b.calls["values"] != 1 || len(sl.d) != 0 {
		t.Errorf("retried a non-throttling error")
	}
	if h := s.Health(); h.Methods["values"].ConsecutiveFailures != 1 || h.Methods["values"].LastError == "" {
		t.Errorf("health = %+v", h)
	}
}

func TestDegradedSignalFiresOnce(t *testing.T) {
	b := newFakeBackend()
	for i := 0; i < 7; i++ {
		b.errs["header"] = append(b.errs["header"], errors.New("down"))
	}
	var signals int
	s, _ := newTestStore(b, OnDegraded(func(h HealthSnapshot) {
		signals++
		if h.ConsecutiveFailures != 5 || !h.Degraded {
			t.Errorf("snapshot = %+v", h)
		}
	}))

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		s.AppendNow(ctx, TableLeads, Record{"name": "x"})
	}
	if signals != 1 {
		t.Fatalf("degraded signaled %d times, want 1", signals)
	}
	if !s.Health().Degraded {
		t.Error("Degraded not set")
	}

	// Calls keep going through while degraded; a success clears it.
	b.tables[TableLeads] = [][]string{{"timestamp", "user_id", "name"}}
	if err := s.AppendNow(ctx, TableLeads, Record{"name": "x"}); err != nil {
		t.Fatalf("AppendNow: %v", err)
	}
	if h := s.Health(); h.Degraded || h.ConsecutiveFailures != 0 {
		t.Errorf("health after success = %+v", h)
	}
}

func TestSchemaValidation(t *testing.T) {
	b := newFakeBackend()
	b.tables[TableCatalog] = [][]string{{" ID ", "Title", "description", "category", "drive_file_id", "notes"}}
	b.tables[TableTexts] = [][]string{{"key", "text"}}
	b.tables[TableFollowup] = [][]string{{"key", "text", "delay_hours"}}
	b.tables[TableLeads] = [][]string{{"timestamp", "user_id", "name", "username", "email", "guide", "consent", "source", "interests", "warmth"}}
	s, _ := newTestStore(b)

	if _, ok := s.LastSchemaReport(); ok {
		t.Fatal("report present before validation")
	}
	rep := s.ValidateSchema(context.Background())
	if rep.Healthy {
		t.Error("Healthy = true with a missing required column")
	}
	if len(rep.Blocking) != 1 || !strings.Contains(rep.Blocking[0], `"active"`) {
		t.Errorf("Blocking = %v", rep.Blocking)
	}
	if len(rep.Advisory) != 0 {
		t.Errorf("Advisory = %v", rep.Advisory)
	}
	if last, ok := s.LastSchemaReport(); !ok || last.Healthy {
		t.Errorf("LastSchemaReport = %+v, %v", last, ok)
	}
}

func TestSchemaOneRequiredOneOptionalMissing(t *testing.T) {
	s, _ := newTestStore(newFakeBackend(), WithSchemas([]TableSchema{
		{Name: "people", Required: []string{"id", "name"}, Optional: []string{"email", "phone"}},
	}))
	s.backend.(*fakeBackend).tables["people"] = [][]string{{"ID", "Email"}}

	rep := s.ValidateSchema(context.Background())
	if rep.Healthy {
		t.Error("expected unhealthy")
	}
	if len(rep.Blocking) != 1 || len(rep.Advisory) != 1 {
		t.Fatalf("blocking=%v advisory=%v; want exactly one of each", rep.Blocking, rep.Advisory)
	}
	tr := rep.Tables[0]
	if len(tr.MissingRequired) != 1 || tr.MissingRequired[0] != "name" {
		t.Errorf("MissingRequired = %v", tr.MissingRequired)
	}
	if len(tr.MissingOptional) != 1 || tr.MissingOptional[0] != "phone" {
		t.Errorf("MissingOptional = %v", tr.MissingOptional)
	}
}

func TestSchemaUnreadableHeaderIsBlocking(t *testing.T) {
	b := newFakeBackend()
	b.errs["header"] = []error{errors.New("sheet not found")}
	s, _ := newTestStore(b, WithSchemas([]TableSchema{{Name: "x", Required: []string{"a"}}}))
	rep := s.ValidateSchema(context.Background())
	if rep.Healthy || len(rep.Blocking) != 1 || rep.Tables[0].Error == "" {
		t.Errorf("report = %+v", rep)
	}
}

func TestCatalogActiveOnlyAndStale(t *testing.T) {
	b := newFakeBackend()
	b.tables[TableCatalog] = [][]string{
		{"id", "title", "active", "drive_file_id"},
		{"g1", "Tax basics", "TRUE", "f1"},
		{"g2", "Draft", "FALSE", ""},
		{"g3", "Visas", "true", "f3"},
		{"", "", "", ""},
	}
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(b, cache.New(time.Minute, cache.WithClock(clock)), Config{}, WithSleep(func(context.Context, time.Duration) error { return nil }))

	guides, err := s.Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if len(guides) != 2 || guides[0].ID != "g1" || guides[1].DriveFileID != "f3" {
		t.Fatalf("guides = %+v", guides)
	}

	now = now.Add(2 * time.Minute)
	b.errs["values"] = []error{errors.New("backend down")}
	guides, err = s.Catalog(context.Background())
	if err != nil || len(guides) != 2 {
		t.Fatalf("stale Catalog = %v, %v", guides, err)
	}
}

func TestGetByFirstRequiredColumn(t *testing.T) {
	b := newFakeBackend()
	b.tables[TableTexts] = [][]string{{"Key", "Text"}, {"welcome", "Hello"}, {"bye", "Bye"}}
	s, _ := newTestStore(b)

	rec, ok, err := s.Get(context.Background(), TableTexts, "bye")
	if err != nil || !ok || rec["text"] != "Bye" {
		t.Fatalf("Get = %v, %v, %v", rec, ok, err)
	}
	if _, ok, _ := s.Get(context.Background(), TableTexts, "nope"); ok {
		t.Error("found missing key")
	}
	if _, _, err := s.Get(context.Background(), "nosuch", "x"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("err = %v, want ErrUnknownTable", err)
	}
}

func TestGetWithoutRequiredColumns(t *testing.T) {
	b := newFakeBackend()
	b.tables["notes"] = [][]string{{"Body"}, {"hi"}}
	s, _ := newTestStore(b, WithSchemas([]TableSchema{{Name: "notes", Optional: []string{"body"}}}))

	if _, _, err := s.Get(context.Background(), "notes", "hi"); !errors.Is(err, ErrNoKeyColumn) {
		t.Errorf("err = %v, want ErrNoKeyColumn", err)
	}
	if b.calls["values"] != 0 {
		t.Errorf("backend read %d times for an unkeyed table", b.calls["values"])
	}
}

func TestAppendOrdersByLiveHeader(t *testing.T) {
	b := newFakeBackend()
	b.tables[TableLeads] = [][]string{{"name", "timestamp", "User_ID", "unknown"}}
	s, _ := newTestStore(b)

	err := s.AppendLead(context.Background(), Lead{
		At: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), UserID: 77, Name: "Ann", Email: "a@example.com",
	})
	if err != nil {
		t.Fatalf("AppendLead: %v", err)
	}
	got := b.appends[TableLeads]
	want := []string{"Ann", "2026-05-01 10:00:00", "77", ""}
	if len(got) != 1 || strings.Join(got[0], "|") != strings.Join(want, "|") {
		t.Errorf("appended %v, want %v", got, want)
	}
}

type fakeEnqueuer struct {
	tasks []domain.NewTask
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t domain.NewTask) (string, error) {
	f.tasks = append(f.tasks, t)
	return fmt.Sprintf("tsk_%d", len(f.tasks)), nil
}

func TestFailedAppendIsDeferred(t *testing.T) {
	b := newFakeBackend()
	b.tables[TableLeads] = [][]string{{"timestamp", "user_id", "name"}}
	b.errs["append"] = []error{errors.New("internal error")}
	q := &fakeEnqueuer{}
	s, _ := newTestStore(b, WithDeferrer(NewQueueDeferrer(q, time.Minute)))

	err := s.Append(context.Background(), TableLeads, Record{"name": "Bob"})
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("err = %v, want ErrDeferred", err)
	}
	if len(q.tasks) != 1 {
		t.Fatalf("enqueued %d tasks", len(q.tasks))
	}
	nt := q.tasks[0]
	if nt.Type != domain.TypeSheetsWrite || nt.MaxAttempts != deferredWriteAttempts {
		t.Errorf("task = %+v", nt)
	}
	p, err := domain.Decode[domain.SheetsWritePayload](domain.Task{Type: nt.Type, Payload: nt.Payload})
	if err != nil || p.Table != TableLeads || p.Row["name"] != "Bob" {
		t.Errorf("payload = %+v, %v", p, err)
	}

	// AppendNow never defers.
	b.errs["append"] = []error{errors.New("internal error")}
	if err := s.AppendNow(context.Background(), TableLeads, Record{"name": "Bob"}); errors.Is(err, ErrDeferred) || err == nil {
		t.Errorf("AppendNow err = %v", err)
	}
	if len(q.tasks) != 1 {
		t.Error("AppendNow deferred a write")
	}
}

func TestCountLeadsSince(t *testing.T) {
	b := newFakeBackend()
	b.tables[TableLeads] = [][]string{
		{"timestamp", "user_id", "name"},
		{"2026-05-01 09:00:00", "1", "a"},
		{"2026-05-02 09:00:00", "2", "b"},
		{"2026-05-02T12:00:00Z", "3", "c"},
		{"garbage", "4", "d"},
	}
	s, _ := newTestStore(b)
	n, err := s.CountLeadsSince(context.Background(), time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 2 {
		t.Errorf("CountLeadsSince = %d, %v; want 2", n, err)
	}
}

func TestParseRecordsHeaderCleanup(t *testing.T) {
	recs := parseRecords([][]string{
		{"Key", "", "key", "text"},
		{"a", "x", "b", "t"},
		{"c"},
	})
	if len(recs) != 2 {
		t.Fatalf("records = %v", recs)
	}
	r := recs[0]
	if r["key"] != "a" || r["_col_1"] != "x" || r["key_1"] != "b" || r["text"] != "t" {
		t.Errorf("record = %v", r)
	}
	if recs[1]["text"] != "" {
		t.Errorf("short row = %v", recs[1])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		throttled bool
	}{
		{"429", &googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{"403 rate", &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, true},
		{"403 other", &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, false},
		{"500", &googleapi.Error{Code: http.StatusInternalServerError}, false},
		{"plain", errors.New("dial tcp: timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(classify(tt.err), ErrThrottled); got != tt.throttled {
				t.Errorf("throttled = %v, want %v", got, tt.throttled)
			}
		})
	}
}

func TestSheetsAppendWritesRawValues(t *testing.T) {
	var (
		mu    sync.Mutex
		query url.Values
		body  sheets.ValueRange
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		query = r.URL.Query()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	b, err := NewSheetsBackend(context.Background(), SheetsConfig{SpreadsheetID: "sheet-1"},
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewSheetsBackend: %v", err)
	}
	if err := b.AppendRow(context.Background(), TableLeads, []string{"=IMPORTXML(\"x\")", "42"}); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := query.Get("valueInputOption"); got != "RAW" {
		t.Errorf("valueInputOption = %q, want RAW", got)
	}
	if len(body.Values) != 1 || body.Values[0][0] != "=IMPORTXML(\"x\")" {
		t.Errorf("values = %v", body.Values)
	}
}

func TestA1Quoting(t *testing.T) {
	if got := a1("Bob's sheet", "1:1"); got != "'Bob''s sheet'!1:1" {
		t.Errorf("a1 = %q", got)
	}
}
