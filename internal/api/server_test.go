package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"leadflow/internal/cache"
	"leadflow/internal/campaign"
	"leadflow/internal/domain"
	"leadflow/internal/queue"
	"leadflow/internal/ratelimit"
	"leadflow/internal/remote"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRemote struct {
	health    remote.HealthSnapshot
	report    remote.SchemaReport
	validated int
}

func (f *fakeRemote) Health() remote.HealthSnapshot { return f.health }

func (f *fakeRemote) LastSchemaReport() (remote.SchemaReport, bool) {
	return f.report, f.validated > 0
}

func (f *fakeRemote) ValidateSchema(context.Context) remote.SchemaReport {
	f.validated++
	return f.report
}

type fakeLeads struct {
	got []remote.Lead
	err error
}

func (f *fakeLeads) AppendLead(_ context.Context, l remote.Lead) error {
	f.got = append(f.got, l)
	return f.err
}

type env struct {
	srv    *httptest.Server
	repo   *queue.SQLiteRepo
	remote *fakeRemote
	cache  *cache.Cache
	leads  *fakeLeads
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := queue.Open(":memory:", 0)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clock := func() time.Time { return now }
	repo := queue.NewSQLiteRepo(db, queue.WithClock(clock))
	rem := &fakeRemote{report: remote.SchemaReport{Healthy: true}}
	counters := remote.NewCounters()
	counters.Record("values", "success")
	c := cache.New(time.Minute)
	leads := &fakeLeads{}

	h := NewServer(Deps{
		Repo:      repo,
		Planner:   campaign.NewPlanner(repo, nil, campaign.WithClock(clock)),
		Remote:    rem,
		Leads:     leads,
		Telemetry: counters,
		Cache:     c,
		Soft:      ratelimit.NewSoft(ratelimit.SoftConfig{}),
		Hard:      ratelimit.NewHard(ratelimit.HardConfig{}, ratelimit.WithClock(clock)),

		ForwardLeads: true,
	}, WithClock(clock))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, repo: repo, remote: rem, cache: c, leads: leads}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestSubmitAndGetTask(t *testing.T) {
	e := setup(t)
	resp := e.do(t, "POST", "/api/tasks", map[string]any{
		"type":    domain.TypeFollowup,
		"user_id": 7,
		"payload": map[string]any{"guide_id": "tax", "step": 1},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	id := decode[submitResp](t, resp).ID

	resp = e.do(t, "GET", "/api/tasks/"+id, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, resp)
	if got["status"] != "pending" || got["type"] != domain.TypeFollowup {
		t.Errorf("task = %v", got)
	}
	if p := got["payload"].(map[string]any); p["guide_id"] != "tax" {
		t.Errorf("payload = %v", p)
	}

	if resp := e.do(t, "GET", "/api/tasks/tsk_missing", nil); resp.StatusCode != 404 {
		t.Errorf("missing task status = %d", resp.StatusCode)
	}
	list := decode[[]map[string]any](t, e.do(t, "GET", "/api/tasks?limit=10", nil))
	if len(list) != 1 {
		t.Errorf("listed %d tasks", len(list))
	}
}

func TestSubmitRejectsBadPayload(t *testing.T) {
	e := setup(t)
	for _, body := range []map[string]any{
		{"type": "shell", "payload": map[string]any{}},
		{"type": domain.TypeFollowup, "payload": map[string]any{"guide": "tax"}},
		{"payload": map[string]any{}},
	} {
		if resp := e.do(t, "POST", "/api/tasks", body); resp.StatusCode != 400 {
			t.Errorf("%v: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestCancelTask(t *testing.T) {
	e := setup(t)
	id, _ := e.repo.Enqueue(context.Background(), domain.NewTask{Type: domain.TypePruneTasks, RunAt: now})

	if resp := e.do(t, "POST", "/api/tasks/"+id+"/cancel", map[string]string{"reason": "test"}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	task, _ := e.repo.Get(context.Background(), id)
	if task.Status != domain.StatusFailed || task.LastError != "canceled: test" {
		t.Errorf("task = %s %q", task.Status, task.LastError)
	}
	if resp := e.do(t, "POST", "/api/tasks/"+id+"/cancel", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d", resp.StatusCode)
	}
	if resp := e.do(t, "POST", "/api/tasks/tsk_missing/cancel", nil); resp.StatusCode != 404 {
		t.Errorf("missing cancel status = %d", resp.StatusCode)
	}
}

func TestFollowupCampaign(t *testing.T) {
	e := setup(t)
	resp := e.do(t, "POST", "/api/campaigns/followup", followupReq{UserID: 7, GuideID: "tax"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ids := decode[map[string][]string](t, resp)["task_ids"]
	if len(ids) != 3 {
		t.Fatalf("task_ids = %v", ids)
	}

	resp = e.do(t, "POST", "/api/campaigns/followup/cancel", map[string]any{"user_id": 7})
	if got := decode[map[string]int](t, resp)["canceled"]; got != 3 {
		t.Errorf("canceled = %d", got)
	}
	if resp := e.do(t, "POST", "/api/campaigns/followup", followupReq{UserID: 7}); resp.StatusCode != 400 {
		t.Errorf("missing guide status = %d", resp.StatusCode)
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	e := setup(t)
	got := decode[healthResp](t, e.do(t, "GET", "/health", nil))
	if got.Status != "ok" || got.Schema != nil {
		t.Errorf("health = %+v", got)
	}

	e.remote.report = remote.SchemaReport{Healthy: false, Blocking: []string{"leads: missing name"}}
	e.do(t, "POST", "/api/schema/validate", nil)
	got = decode[healthResp](t, e.do(t, "GET", "/health", nil))
	if got.Status != "degraded" || got.Schema == nil || len(got.Schema.Blocking) != 1 {
		t.Errorf("health after bad schema = %+v", got)
	}

	e.remote.report.Healthy = true
	e.remote.health.Degraded = true
	got = decode[healthResp](t, e.do(t, "GET", "/health", nil))
	if got.Status != "degraded" {
		t.Errorf("health with degraded remote = %+v", got)
	}
}

func TestMetrics(t *testing.T) {
	e := setup(t)
	e.repo.Enqueue(context.Background(), domain.NewTask{Type: domain.TypePruneTasks, RunAt: now})
	resp := e.do(t, "GET", "/metrics", nil)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.String()
	for _, want := range []string{
		`leadflow_tasks{status="pending"} 1`,
		`leadflow_tasks{status="done"} 0`,
		`leadflow_remote_calls_total{method="values",outcome="success"} 1`,
		`leadflow_ratelimit_passed_total{limiter="soft"} 0`,
		"leadflow_cache_entries 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestInvalidateCache(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	fetch := func(context.Context) (any, error) { return "v", nil }
	e.cache.GetOrFetch(ctx, "a", fetch)
	e.cache.GetOrFetch(ctx, "b", fetch)

	e.do(t, "POST", "/api/cache/invalidate?key=a", nil)
	if n := e.cache.Stats().Entries; n != 1 {
		t.Errorf("entries after key invalidation = %d", n)
	}
	e.do(t, "POST", "/api/cache/invalidate", nil)
	if n := e.cache.Stats().Entries; n != 0 {
		t.Errorf("entries after full invalidation = %d", n)
	}
}

func TestScheduleCRUD(t *testing.T) {
	e := setup(t)
	resp := e.do(t, "POST", "/api/schedules", map[string]any{
		"name": "digest", "cron_expr": "0 9 * * *", "task_type": domain.TypeDailyDigest,
		"payload": map[string]any{"hours": 24},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := decode[createScheduleResp](t, resp).ID

	got := decode[scheduleView](t, e.do(t, "GET", "/api/schedules/"+id, nil))
	if !got.Enabled || !got.NextRun.Equal(time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("schedule = %+v", got)
	}

	got = decode[scheduleView](t, e.do(t, "PUT", "/api/schedules/"+id, map[string]any{"cron_expr": "30 12 * * *", "enabled": false}))
	if got.Enabled || got.CronExpr != "30 12 * * *" || !got.NextRun.Equal(time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)) {
		t.Errorf("updated = %+v", got)
	}

	if resp := e.do(t, "PUT", "/api/schedules/"+id, map[string]any{"cron_expr": "nope"}); resp.StatusCode != 400 {
		t.Errorf("bad cron status = %d", resp.StatusCode)
	}
	if resp := e.do(t, "DELETE", "/api/schedules/"+id, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if list := decode[[]scheduleView](t, e.do(t, "GET", "/api/schedules", nil)); len(list) != 0 {
		t.Errorf("schedules after delete = %v", list)
	}
}

func TestCaptureLead(t *testing.T) {
	e := setup(t)
	e.leads.err = remote.ErrDeferred
	resp := e.do(t, "POST", "/api/leads", map[string]any{
		"user_id": 7, "name": "Ann", "email": "ann@example.com", "guide_id": "tax", "consent": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[leadResp](t, resp)
	if !got.Recorded || !got.Deferred || got.ForwardTaskID == "" || len(got.FollowupTaskIDs) != 3 {
		t.Errorf("resp = %+v", got)
	}
	if len(e.leads.got) != 1 || e.leads.got[0].Guide != "tax" || !e.leads.got[0].At.Equal(now) {
		t.Errorf("appended = %+v", e.leads.got)
	}
	fwd, err := e.repo.Get(context.Background(), got.ForwardTaskID)
	if err != nil || fwd.Type != domain.TypeLeadForward || fwd.UserID != 7 {
		t.Errorf("forward task = %+v, %v", fwd, err)
	}
}

func TestCaptureLeadRejectsBadGuideBeforeWriting(t *testing.T) {
	e := setup(t)
	resp := e.do(t, "POST", "/api/leads", map[string]any{"user_id": 9, "name": "Eve", "guide_id": "tax:2026"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(e.leads.got) != 0 {
		t.Errorf("lead appended despite rejection: %+v", e.leads.got)
	}
	counts, err := e.repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusPending] != 0 {
		t.Errorf("pending tasks after rejection = %d", counts[domain.StatusPending])
	}
}

func TestCaptureLeadIsRateLimited(t *testing.T) {
	e := setup(t)
	body := map[string]any{"user_id": 8, "name": "Bob"}
	for i := 0; i < 3; i++ {
		if resp := e.do(t, "POST", "/api/leads", body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("lead %d status = %d", i+1, resp.StatusCode)
		}
	}
	if resp := e.do(t, "POST", "/api/leads", body); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("fourth lead status = %d, want 429", resp.StatusCode)
	}
}
