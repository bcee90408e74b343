package sync

import (
	"encoding/json"
	"log/slog"
)

// ConflictEvent describes one server-wins overwrite, with enough detail
// for the host to log or display it. Resolution is always automatic; the
// engine never waits for user input.
type ConflictEvent struct {
	Collection    string
	RecordID      string
	LocalVersion  int64
	ServerVersion int64
	LocalData     json.RawMessage
	ServerData    json.RawMessage
}

// Notifier receives sync lifecycle events. The host (CLI status line, GUI
// indicator, log sink) subscribes by passing an implementation to the
// coordinator; the engine has no knowledge of any UI event model.
type Notifier interface {
	SyncStarted()
	SyncCompleted(success bool, message string)
	ConflictDetected(ev ConflictEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) SyncStarted()                   {}
func (NopNotifier) SyncCompleted(bool, string)     {}
func (NopNotifier) ConflictDetected(ConflictEvent) {}

// LogNotifier reports sync events through slog.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) logger() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}

func (n *LogNotifier) SyncStarted() {
	n.logger().Debug("sync started")
}

func (n *LogNotifier) SyncCompleted(success bool, message string) {
	if success {
		n.logger().Info("sync completed", "result", message)
	} else {
		n.logger().Warn("sync failed", "result", message)
	}
}

func (n *LogNotifier) ConflictDetected(ev ConflictEvent) {
	n.logger().Warn("sync conflict resolved server-wins",
		"collection", ev.Collection, "id", ev.RecordID,
		"local_version", ev.LocalVersion, "server_version", ev.ServerVersion)
}

// MultiNotifier fans events out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) SyncStarted() {
	for _, n := range m {
		n.SyncStarted()
	}
}

func (m MultiNotifier) SyncCompleted(success bool, message string) {
	for _, n := range m {
		n.SyncCompleted(success, message)
	}
}

func (m MultiNotifier) ConflictDetected(ev ConflictEvent) {
	for _, n := range m {
		n.ConflictDetected(ev)
	}
}
