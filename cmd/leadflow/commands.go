package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"leadflow/internal/handlers/maintenance"
)

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Validate the remote store columns and print the report",
	Long: `Validate the remote store columns and print the report.

Exits non-zero when a required column is missing or a table header cannot
be read.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.remote == nil {
			return errNoRemote
		}

		rep := a.remote.ValidateSchema(cmd.Context())
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
		if !rep.Healthy {
			return errors.New("remote schema is unhealthy")
		}
		return nil
	},
}

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue tasks",
}

var enqueueFollowupCmd = &cobra.Command{
	Use:   "followup",
	Short: "Schedule the follow-up series for a user and guide",
	Long: `Schedule the follow-up series for a user and guide.

Example:
  leadflow enqueue followup --user 123456 --guide tax-residency`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetInt64("user")
		guide, _ := cmd.Flags().GetString("guide")
		if user == 0 || guide == "" {
			return errors.New("--user and --guide are required")
		}

		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.planner.ScheduleFollowup(cmd.Context(), user, guide)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	enqueueFollowupCmd.Flags().Int64("user", 0, "Telegram user id")
	enqueueFollowupCmd.Flags().String("guide", "", "guide id")
	enqueueCmd.AddCommand(enqueueFollowupCmd)
}

// --- prune ---

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished tasks older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			days = a.cfg.Cron.RetentionDays
		}
		if days <= 0 {
			days = maintenance.DefaultRetentionDays
		}

		n, err := a.repo.PruneTerminal(cmd.Context(), time.Now().AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d finished tasks older than %d days\n", n, days)
		return nil
	},
}

func init() {
	pruneCmd.Flags().Int("days", 0, "retention in days (default cron.retention_days)")
}
