package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/garnizeh/bountycast/internal/db"
	"github.com/garnizeh/bountycast/internal/settlement"
)

var (
	// backup flags
	backupOut   string
	backupForce bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel)
		conn, err := openDB(cmd.Context(), cfg, logger, true)
		if err != nil {
			return err
		}
		defer conn.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Database migrated (%s).\n", conn.Dialect())
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Settle every expired open question once",
	Long: `Run one ledger sweep: expired questions without a payable answer are
closed and the rest are awarded on chain. Suitable for an external cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, e *settlement.Engine) ([]settlement.Result, error) {
			return e.Sweep(ctx, settlement.ModeLedger)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Finish or clear pending award transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, func(ctx context.Context, e *settlement.Engine) ([]settlement.Result, error) {
			return e.Reconcile(ctx)
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a consistent copy of the SQLite database",
	Long: `Write a consistent copy of the SQLite database using VACUUM INTO, which
is safe while the server is running. Postgres deployments should use
pg_dump instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if db.DialectFor(cfg.Database.DSN) != db.DialectSQLite {
			return errors.New("backup supports SQLite only; use pg_dump for Postgres")
		}
		dst := backupOut
		if dst == "" {
			dst = fmt.Sprintf("%s.%s.bak", cfg.Database.DSN, time.Now().UTC().Format("20060102T150405Z"))
		}
		if _, err := os.Stat(dst); err == nil {
			if !backupForce {
				return fmt.Errorf("backup target %s exists; pass --force to replace it", dst)
			}
			if err := os.Remove(dst); err != nil {
				return fmt.Errorf("remove old backup: %w", err)
			}
		}

		conn, err := openDB(cmd.Context(), cfg, newLogger(cfg.LogLevel), false)
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := conn.Exec(cmd.Context(), `VACUUM INTO ?`, dst); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Database backup written to %s.\n", dst)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "", "Backup file (default <dsn>.<timestamp>.bak)")
	backupCmd.Flags().BoolVar(&backupForce, "force", false, "Replace an existing backup file")

	rootCmd.AddCommand(migrateCmd, sweepCmd, reconcileCmd, backupCmd)
}

// runOnce builds the app, runs fn against the engine and prints the results
// as JSON.
func runOnce(cmd *cobra.Command, fn func(context.Context, *settlement.Engine) ([]settlement.Result, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := fn(ctx, a.engine)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	if n := countFailed(results); n > 0 {
		return fmt.Errorf("%d question(s) failed to settle", n)
	}
	return nil
}

func countFailed(rs []settlement.Result) int {
	n := 0
	for _, r := range rs {
		if r.Status == settlement.ResultFailed {
			n++
		}
	}
	return n
}
