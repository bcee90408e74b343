package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/marcus/tempo/internal/scheduler"
	tsync "github.com/marcus/tempo/internal/sync"
	"github.com/marcus/tempo/internal/syncconfig"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	Short:   "Sync in the background on an interval",
	GroupID: "sync",
	Long: `Runs a foreground process that syncs every interval (default 5m,
TEMPO_SYNC_INTERVAL to override). Logs go to daemon.log in the data
directory with rotation. Stop with Ctrl-C; shutdown waits for an
in-flight pass to finish.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			return fmt.Errorf("not logged in (run: tempo auth login)")
		}
		if !syncconfig.GetSyncEnabled() {
			return fmt.Errorf("sync is disabled (set TEMPO_SYNC=1 or sync.enabled in config)")
		}

		dataDir, err := syncconfig.DataDir()
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   filepath.Join(dataDir, "daemon.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(logger)

		st, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		client, creds, err := newSyncClient()
		if err != nil {
			return err
		}

		coord := newCoordinator(st, client)
		interval := syncconfig.GetSyncInterval()

		// Wrapped so every scheduled pass also lands in sync_history.
		runner := scheduler.Func(func(ctx context.Context, force bool) (bool, tsync.Summary) {
			return runSyncPass(ctx, st, coord, force)
		})
		sched := scheduler.New(runner, interval, logger)
		sched.Start()

		fmt.Printf("syncing %s every %s as %s (logs: %s)\n",
			syncconfig.GetServerURL(), interval, creds.OwnerID,
			filepath.Join(dataDir, "daemon.log"))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Println("stopping")
		sched.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
