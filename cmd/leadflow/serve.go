package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"leadflow/internal/api"
	"leadflow/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool, cron schedules, bot and operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.serve(cmd.Context())
	},
}

func (a *app) serve(ctx context.Context) error {
	if err := a.sched.Seed(ctx, a.builtinSchedules()...); err != nil {
		return fmt.Errorf("seed schedules: %w", err)
	}

	if a.remote != nil {
		rep := a.remote.ValidateSchema(ctx)
		if !rep.Healthy {
			a.log.Warn().Strs("blocking", rep.Blocking).Msg("remote schema has blocking problems, continuing")
		}
	}

	var bg sync.WaitGroup
	bg.Add(3)
	go func() { defer bg.Done(); a.soft.Run(ctx) }()
	go func() { defer bg.Done(); a.hard.Run(ctx) }()
	go func() { defer bg.Done(); a.sched.Start(ctx) }()

	if err := a.pool.Start(ctx); err != nil {
		return err
	}

	a.registerBot()
	if a.bot != nil {
		a.bot.Start(ctx)
	}

	deps := api.Deps{
		Repo:      a.repo,
		Planner:   a.planner,
		Telemetry: a.counters,
		Cache:     a.cache,
		Soft:      a.soft,
		Hard:      a.hard,
	}
	if a.remote != nil {
		deps.Remote = a.remote
		deps.Leads = a.remote
	}
	deps.ForwardLeads = a.cfg.CRM.URL != ""

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.NewServer(deps, api.WithDebug(a.cfg.HTTP.Debug), api.WithLogger(logging.Component(a.log, "api"))),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown")
	}
	a.sched.Stop()
	if err := a.pool.Stop(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("worker pool did not drain in time")
	}
	if serveErr == nil {
		bg.Wait()
	}
	return serveErr
}
