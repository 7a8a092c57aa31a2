// adminctl is the administrative command-line interface for the
// entitlement core: granting specialized premium, triggering quota
// resets, and inspecting or cancelling background tasks.
//
// Usage:
//
//	adminctl premium grant --user-id usr_123
//	adminctl reset trigger
//	adminctl reset force-null --user-id usr_123
//	adminctl tasks status --task-id tsk_456
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vanloc1808/arcana-entitlement/pkg/config"
	"github.com/vanloc1808/arcana-entitlement/pkg/ledger"
	"github.com/vanloc1808/arcana-entitlement/pkg/logging"
	"github.com/vanloc1808/arcana-entitlement/pkg/scheduler"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

var (
	dsn     string
	verbose bool

	db  *sql.DB
	log zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "adminctl",
		Short:         "Administrative CLI for the entitlement core",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if verbose {
				level = "debug"
			}
			log = logging.New(level)

			var err error
			db, err = store.Open(dsn)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			return store.EnsureSchema(db)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if db != nil {
				db.Close()
			}
		},
	}

	cfg := config.Load()
	rootCmd.PersistentFlags().StringVar(&dsn, "database-dsn", cfg.DatabaseDSN, "database DSN")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(premiumCmd())
	rootCmd.AddCommand(resetCmd(cfg.FreeTurnsDefault))
	rootCmd.AddCommand(tasksCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func premiumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "premium",
		Short: "Grant or revoke specialized premium",
	}

	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant specialized premium to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			return setPremium(cmd.Context(), userID, true)
		},
	}
	grant.Flags().String("user-id", "", "user id")
	grant.MarkFlagRequired("user-id")

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke specialized premium from a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			return setPremium(cmd.Context(), userID, false)
		},
	}
	revoke.Flags().String("user-id", "", "user id")
	revoke.MarkFlagRequired("user-id")

	cmd.AddCommand(grant, revoke)
	return cmd
}

func setPremium(ctx context.Context, userID string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.SetSpecializedPremium(ctx, db, userID, enabled); err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Bool("enabled", enabled).Msg("specialized premium updated")
	return nil
}

func resetCmd(freeTurnsDefault int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Quota reset operations",
	}

	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Run the monthly free-turn reset sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := ledger.New(db, log)
			sched := scheduler.New(db, lg, freeTurnsDefault, log)
			summary, err := sched.Run(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("run=%s eligible=%d reset=%d skipped=%d failed=%d\n",
				summary.RunID, summary.Eligible, summary.Reset, summary.Skipped, summary.Failed)
			return nil
		},
	}

	forceNull := &cobra.Command{
		Use:   "force-null",
		Short: "Clear a user's reset anchor so they are eligible on the next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			all, _ := cmd.Flags().GetBool("all")
			if !all && userID == "" {
				return fmt.Errorf("either --user-id or --all is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var res sql.Result
			var err error
			if all {
				res, err = db.ExecContext(ctx, `UPDATE users SET last_free_reset = NULL`)
			} else {
				res, err = db.ExecContext(ctx, `UPDATE users SET last_free_reset = NULL WHERE id = ?`, userID)
			}
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			fmt.Printf("cleared reset anchor for %d user(s)\n", n)
			return nil
		},
	}
	forceNull.Flags().String("user-id", "", "user id")
	forceNull.Flags().Bool("all", false, "clear for every user")

	cmd.AddCommand(trigger, forceNull)
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect or cancel background tasks",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show a task's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, _ := cmd.Flags().GetString("task-id")
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			t, err := store.GetTask(ctx, db, taskID)
			if err != nil {
				return err
			}
			fmt.Printf("id=%s kind=%s queue=%s state=%s attempts=%d\n", t.ID, t.Kind, t.Queue, t.State, t.Attempts)
			return nil
		},
	}
	status.Flags().String("task-id", "", "task id")
	status.MarkFlagRequired("task-id")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending or running task",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, _ := cmd.Flags().GetString("task-id")
			ctx, timeoutCancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer timeoutCancel()
			if err := store.CancelTask(ctx, db, taskID); err != nil {
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	}
	cancel.Flags().String("task-id", "", "task id")
	cancel.MarkFlagRequired("task-id")

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal tasks older than the given number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("older-than-days")
			ctx, timeoutCancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer timeoutCancel()
			n, err := store.CleanupOldTasks(ctx, db, time.Now().UTC().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d task(s)\n", n)
			return nil
		},
	}
	cleanup.Flags().Int("older-than-days", 30, "age threshold in days")

	cmd.AddCommand(status, cancel, cleanup)
	return cmd
}
