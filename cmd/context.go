package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/tempo/internal/models"
	"github.com/marcus/tempo/internal/store"
	tsync "github.com/marcus/tempo/internal/sync"
	"github.com/marcus/tempo/internal/syncclient"
	"github.com/marcus/tempo/internal/syncconfig"
)

// openStore opens the local database in the configured data directory.
func openStore() (*store.Store, error) {
	dir, err := syncconfig.DataDir()
	if err != nil {
		return nil, err
	}
	return store.Open(dir)
}

// newSyncClient builds the transport from the persisted credentials.
// Refreshed access tokens are written back to auth.json so a restart does
// not have to refresh again.
func newSyncClient() (*syncclient.Client, *syncconfig.AuthCredentials, error) {
	creds, err := syncconfig.LoadAuth()
	if err != nil {
		return nil, nil, err
	}
	if creds == nil || creds.AccessToken == "" {
		return nil, nil, fmt.Errorf("not logged in (run: tempo auth login)")
	}

	client := syncclient.New(syncconfig.GetServerURL(), creds.AccessToken, creds.RefreshToken)
	client.OnTokenRefresh = func(token string) {
		if err := syncconfig.SaveAccessToken(token); err != nil {
			slog.Warn("persist refreshed token", "err", err)
		}
	}
	return client, creds, nil
}

// currentOwnerID is the owner stamped onto newly created records. Before
// login records belong to "local"; the server restamps nothing, so users
// should log in before creating records they intend to sync.
func currentOwnerID() string {
	creds, err := syncconfig.LoadAuth()
	if err != nil || creds == nil || creds.OwnerID == "" {
		return "local"
	}
	return creds.OwnerID
}

// findByIDPrefix resolves a record by full id or unique prefix.
func findByIDPrefix(ctx context.Context, st *store.Store, collection, prefix string) (models.Syncable, error) {
	if rec, err := st.Get(ctx, collection, prefix); err != nil || rec != nil {
		return rec, err
	}
	all, err := st.List(ctx, collection, false)
	if err != nil {
		return nil, err
	}
	var match models.Syncable
	for _, rec := range all {
		if strings.HasPrefix(rec.Meta().ID, prefix) {
			if match != nil {
				return nil, fmt.Errorf("%s %q is ambiguous", collection, prefix)
			}
			match = rec
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%s %q not found", collection, prefix)
	}
	return match, nil
}

// storeNotifier persists conflict events into the local conflict log so
// "tempo conflicts" can show what a server-wins overwrite replaced.
type storeNotifier struct {
	st *store.Store
}

func (n *storeNotifier) SyncStarted()               {}
func (n *storeNotifier) SyncCompleted(bool, string) {}

func (n *storeNotifier) ConflictDetected(ev tsync.ConflictEvent) {
	err := n.st.SaveConflict(context.Background(), store.Conflict{
		Collection:    ev.Collection,
		RecordID:      ev.RecordID,
		LocalVersion:  ev.LocalVersion,
		ServerVersion: ev.ServerVersion,
		LocalData:     ev.LocalData,
		ServerData:    ev.ServerData,
		ResolvedAt:    time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("record conflict", "collection", ev.Collection, "id", ev.RecordID, "err", err)
	}
}

// newCoordinator wires the engine with both the log sink and the
// conflict-journal sink.
func newCoordinator(st *store.Store, client *syncclient.Client) *tsync.Coordinator {
	return tsync.NewCoordinator(st, client, tsync.Options{
		Notifier: tsync.MultiNotifier{
			&tsync.LogNotifier{},
			&storeNotifier{st: st},
		},
	})
}

// runSyncPass runs one pass and appends it to the local sync history.
func runSyncPass(ctx context.Context, st *store.Store, coord *tsync.Coordinator, force bool) (bool, tsync.Summary) {
	ok, sum := coord.SyncAll(ctx, force)
	if errors.Is(sum.Err, tsync.ErrSyncInProgress) {
		// Another pass is running; nothing happened, nothing to record.
		return ok, sum
	}

	pulled, pushed, conflicts, failures := sum.Totals()
	err := st.RecordSyncPass(ctx, store.SyncPass{
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Status:     string(sum.Status),
		Pushed:     pushed,
		Pulled:     pulled,
		Conflicts:  conflicts,
		Failures:   failures,
		Message:    sum.Message(),
	})
	if err != nil {
		slog.Warn("record sync pass", "err", err)
	}
	return ok, sum
}
