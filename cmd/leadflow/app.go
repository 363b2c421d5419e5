package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	tele "gopkg.in/telebot.v4"
	"leadflow/internal/cache"
	"leadflow/internal/campaign"
	"leadflow/internal/config"
	"leadflow/internal/domain"
	"leadflow/internal/handlers/crm"
	"leadflow/internal/handlers/digest"
	"leadflow/internal/handlers/followup"
	"leadflow/internal/handlers/maintenance"
	"leadflow/internal/handlers/sheets"
	"leadflow/internal/logging"
	"leadflow/internal/notify"
	"leadflow/internal/queue"
	"leadflow/internal/ratelimit"
	"leadflow/internal/remote"
	"leadflow/internal/scheduler"
	"leadflow/internal/worker"
)

var errNoRemote = errors.New("remote store is not configured")

// app is the composition root shared by all commands.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	db       *sql.DB
	repo     *queue.SQLiteRepo
	cache    *cache.Cache
	counters *remote.Counters
	remote   *remote.Store // nil without a spreadsheet
	sender   notify.Sender
	bot      *notify.Telegram // nil without a bot token
	soft     *ratelimit.Soft
	hard     *ratelimit.Hard
	planner  *campaign.Planner
	pool     *worker.Pool
	sched    *scheduler.Service

	closeLog func() error
}

func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}, os.Stdout)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cmd.Context(), cfg, log)
	if err != nil {
		closeLog()
		return nil, err
	}
	a.closeLog = closeLog
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, closeLog: func() error { return nil }}

	db, err := queue.Open(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.repo = queue.NewSQLiteRepo(db)

	a.cache = cache.New(cfg.Cache.TTL, cache.WithLogger(logging.Component(log, "cache")))
	a.counters = remote.NewCounters()

	if cfg.Telegram.Token != "" {
		bot, err := notify.NewTelegram(notify.TelegramConfig{
			Token:         cfg.Telegram.Token,
			PollTimeout:   cfg.Telegram.PollTimeout,
			RatePerSecond: cfg.Telegram.RatePerSecond,
			RetryMax:      cfg.Telegram.RetryMax,
		}, logging.Component(log, "telegram"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.bot = bot
		a.sender = bot
	} else {
		log.Warn().Msg("no telegram token configured, messages will only be logged")
		a.sender = notify.NewLogSender(logging.Component(log, "notify"))
	}

	if cfg.Remote.Enabled() {
		backend, err := remote.NewSheetsBackend(ctx, remote.SheetsConfig{
			SpreadsheetID:   cfg.Remote.SpreadsheetID,
			CredentialsFile: cfg.Remote.CredentialsFile,
			CredentialsJSON: cfg.Remote.CredentialsJSON,
			Titles:          cfg.Remote.Tables,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("remote store: %w", err)
		}
		a.remote = remote.New(backend, a.cache, remote.Config{
			MaxRetries:    cfg.Remote.MaxRetries,
			InitialDelay:  cfg.Remote.InitialDelay,
			DegradedAfter: cfg.Remote.DegradedAfter,
		},
			remote.WithLogger(logging.Component(log, "remote")),
			remote.WithTelemetry(a.counters),
			remote.WithDeferrer(remote.NewQueueDeferrer(a.repo, cfg.Remote.DeferDelay)),
			remote.OnDegraded(a.alertDegraded),
		)
	}

	rlLog := logging.Component(log, "ratelimit")
	a.soft = ratelimit.NewSoft(ratelimit.SoftConfig{
		Rate:         cfg.RateLimit.SoftRate,
		Period:       cfg.RateLimit.SoftPeriod,
		WarnCooldown: cfg.RateLimit.WarnCooldown,
		Exempt:       cfg.AdminIDs,
	}, ratelimit.WithLogger(rlLog))
	a.hard = ratelimit.NewHard(ratelimit.HardConfig{
		Rate:   cfg.RateLimit.HardRate,
		Period: cfg.RateLimit.HardPeriod,
		Exempt: cfg.AdminIDs,
	}, ratelimit.WithLogger(rlLog))

	a.planner = campaign.NewPlanner(a.repo, cfg.Followup.Offsets, campaign.WithLogger(logging.Component(log, "campaign")))

	a.pool = worker.NewPool(a.repo, worker.Config{
		Workers:      cfg.Worker.Workers,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Lease:        cfg.Worker.Lease,
	}, worker.WithLogger(logging.Component(log, "worker")))
	a.registerHandlers()

	a.sched = scheduler.NewService(a.repo, cfg.Cron.CheckInterval, scheduler.WithLogger(logging.Component(log, "scheduler")))
	return a, nil
}

func (a *app) registerHandlers() {
	hlog := logging.Component(a.log, "handlers")

	var texts followup.TextSource
	var leads digest.LeadCounter = noLeads{}
	if a.remote != nil {
		texts = a.remote
		leads = a.remote
	}

	a.pool.Register(domain.TypeFollowup,
		worker.Typed(followup.New(texts, a.sender, hlog).Handle),
		worker.WithMaxAttempts(a.cfg.Followup.MaxAttempts),
		worker.WithTimeout(time.Minute))

	var admin int64
	if len(a.cfg.AdminIDs) > 0 {
		admin = a.cfg.AdminIDs[0]
	}
	a.pool.Register(domain.TypeDailyDigest,
		worker.Typed(digest.New(a.repo, leads, a.sender, admin, hlog).Handle),
		worker.WithTimeout(2*time.Minute))

	if a.remote != nil {
		a.pool.Register(domain.TypeSheetsWrite,
			worker.Typed(sheets.New(a.remote, hlog).Handle),
			worker.WithTimeout(time.Minute))
	}

	if a.cfg.CRM.URL != "" {
		fwd := crm.NewForwarder(crm.Config{URL: a.cfg.CRM.URL, Token: a.cfg.CRM.Token, Timeout: a.cfg.CRM.Timeout}, hlog)
		a.pool.Register(domain.TypeLeadForward,
			worker.Typed(fwd.Handle),
			worker.WithMaxAttempts(a.cfg.CRM.MaxAttempts))
	}

	a.pool.Register(domain.TypePruneTasks, worker.Typed(maintenance.New(a.repo, hlog).Handle))
}

// builtinSchedules are upserted on every start.
func (a *app) builtinSchedules() []domain.Schedule {
	var out []domain.Schedule
	if a.cfg.Cron.Digest != "" && len(a.cfg.AdminIDs) > 0 {
		out = append(out, domain.Schedule{
			Name:     "daily-digest",
			CronExpr: a.cfg.Cron.Digest,
			TaskType: domain.TypeDailyDigest,
			UserID:   a.cfg.AdminIDs[0],
			Payload:  []byte(fmt.Sprintf(`{"hours":%d}`, a.cfg.Cron.DigestHours)),
			Enabled:  true,
		})
	}
	if a.cfg.Cron.Prune != "" {
		out = append(out, domain.Schedule{
			Name:     "prune-tasks",
			CronExpr: a.cfg.Cron.Prune,
			TaskType: domain.TypePruneTasks,
			Payload:  []byte(fmt.Sprintf(`{"older_than_days":%d}`, a.cfg.Cron.RetentionDays)),
			Enabled:  true,
		})
	}
	return out
}

// alertDegraded tells the admins that the remote store keeps failing.
func (a *app) alertDegraded(h remote.HealthSnapshot) {
	a.log.Error().Int("consecutive_failures", h.ConsecutiveFailures).Msg("remote store degraded")
	text := fmt.Sprintf("Remote store degraded: %d consecutive failures.", h.ConsecutiveFailures)
	for _, id := range a.cfg.AdminIDs {
		go func(id int64) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.sender.Send(ctx, id, text); err != nil {
				a.log.Warn().Err(err).Int64("user_id", id).Msg("degraded alert not delivered")
			}
		}(id)
	}
}

// registerBot wires the user-facing opt-out command behind both limiters.
func (a *app) registerBot() {
	if a.bot == nil {
		return
	}
	a.bot.Use(notify.ThrottleMiddleware(a.soft))
	a.bot.Handle("/stop", func(c tele.Context) error {
		u := c.Sender()
		if u == nil {
			return nil
		}
		if !a.hard.Allow(u.ID, "stop") {
			return c.Send("Too many requests, please try again in a minute.")
		}
		if _, err := a.planner.CancelFollowups(context.Background(), u.ID, "user opted out"); err != nil {
			a.log.Error().Err(err).Int64("user_id", u.ID).Msg("opt-out failed")
			return c.Send("Something went wrong, please try again later.")
		}
		return c.Send("Done. You will not receive further follow-up messages.")
	})
}

func (a *app) Close() error {
	err := a.db.Close()
	a.closeLog()
	return err
}

type noLeads struct{}

func (noLeads) CountLeadsSince(context.Context, time.Time) (int, error) { return 0, errNoRemote }
