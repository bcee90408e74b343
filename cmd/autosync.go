package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/marcus/tempo/internal/syncconfig"
)

// AutoSyncEnabled reports whether mutating commands should push right away.
// TEMPO_AUTO_SYNC overrides; defaults to on when logged in.
func AutoSyncEnabled() bool {
	if v := os.Getenv("TEMPO_AUTO_SYNC"); v != "" {
		return v == "1" || v == "true"
	}
	return true
}

// autoSyncAfterMutation runs a quick pass after a record command completes.
// Runs synchronously with a short timeout. Errors are logged, not returned;
// the record is already saved locally and stays dirty until the next pass.
func autoSyncAfterMutation() {
	if !AutoSyncEnabled() || !syncconfig.IsAuthenticated() {
		return
	}

	st, err := openStore()
	if err != nil {
		slog.Debug("autosync: open database", "err", err)
		return
	}
	defer st.Close()

	client, _, err := newSyncClient()
	if err != nil {
		slog.Debug("autosync: client", "err", err)
		return
	}
	client.HTTP.Timeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	coord := newCoordinator(st, client)
	if ok, sum := runSyncPass(ctx, st, coord, false); !ok {
		slog.Debug("autosync: pass incomplete", "status", sum.Status)
	}
}
