package api

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"leadflow/internal/domain"
	"leadflow/internal/ratelimit"
)

var statuses = []domain.Status{domain.StatusPending, domain.StatusInProgress, domain.StatusDone, domain.StatusFailed}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Repo.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "leadflow_up 1")
	fmt.Fprintf(w, "leadflow_uptime_seconds %.0f\n", s.now().Sub(s.started).Seconds())
	for _, st := range statuses {
		fmt.Fprintf(w, "leadflow_tasks{status=%q} %d\n", st, counts[st])
	}

	if c := s.deps.Cache; c != nil {
		st := c.Stats()
		fmt.Fprintf(w, "leadflow_cache_hits_total %d\n", st.Hits)
		fmt.Fprintf(w, "leadflow_cache_misses_total %d\n", st.Misses)
		fmt.Fprintf(w, "leadflow_cache_stale_total %d\n", st.Stale)
		fmt.Fprintf(w, "leadflow_cache_errors_total %d\n", st.Errors)
		fmt.Fprintf(w, "leadflow_cache_entries %d\n", st.Entries)
	}

	if s.deps.Remote != nil {
		h := s.deps.Remote.Health()
		fmt.Fprintf(w, "leadflow_remote_consecutive_failures %d\n", h.ConsecutiveFailures)
		fmt.Fprintf(w, "leadflow_remote_degraded %d\n", boolGauge(h.Degraded))
	}
	if t := s.deps.Telemetry; t != nil {
		snap := t.Snapshot()
		methods := make([]string, 0, len(snap))
		for m := range snap {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, m := range methods {
			outcomes := make([]string, 0, len(snap[m]))
			for o := range snap[m] {
				outcomes = append(outcomes, o)
			}
			sort.Strings(outcomes)
			for _, o := range outcomes {
				fmt.Fprintf(w, "leadflow_remote_calls_total{method=%q,outcome=%q} %d\n", m, o, snap[m][o])
			}
		}
	}

	if s.deps.Soft != nil {
		writeLimiter(w, "soft", s.deps.Soft.Stats())
	}
	if s.deps.Hard != nil {
		writeLimiter(w, "hard", s.deps.Hard.Stats())
	}
}

func writeLimiter(w io.Writer, name string, st ratelimit.Stats) {
	fmt.Fprintf(w, "leadflow_ratelimit_passed_total{limiter=%q} %d\n", name, st.Passed)
	fmt.Fprintf(w, "leadflow_ratelimit_throttled_total{limiter=%q} %d\n", name, st.Throttled)
	fmt.Fprintf(w, "leadflow_ratelimit_keys{limiter=%q} %d\n", name, st.Keys)
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
