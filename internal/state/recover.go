package state

import (
	"log/slog"
	"time"
)

// OrphanKillTimeout is how long an orphan gets to exit after SIGTERM.
const OrphanKillTimeout = 2 * time.Second

// Inspector answers questions about OS processes by pid.
type Inspector interface {
	Exists(pid int) bool
	// CreationTime returns the start time in ms since the epoch.
	CreationTime(pid int) (int64, bool)
	// Kill terminates gracefully then forcefully and reports whether pid is gone.
	Kill(pid int, graceful time.Duration) bool
}

// Outcome is the result of an orphan recovery pass.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeStale
	OutcomeReused
	OutcomeKilled
	OutcomeKillFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeStale:
		return "stale"
	case OutcomeReused:
		return "reused"
	case OutcomeKilled:
		return "killed"
	case OutcomeKillFailed:
		return "kill_failed"
	default:
		return "unknown"
	}
}

// Recover reaps a sidecar left behind by a crashed supervisor.
// A process is only killed when both its pid and creation time match the
// record; any other process holding a recycled pid is left alone.
// The record is gone after Recover returns, whatever the outcome. The record
// that was read is returned alongside, nil when there was none.
func Recover(store Store, insp Inspector, logger *slog.Logger) (Outcome, *OrphanRecord) {
	if logger == nil {
		logger = slog.Default()
	}
	rec, err := store.Read()
	if err != nil {
		logger.Warn("unreadable orphan record, discarding", "error", err)
		deleteRecord(store, logger)
		return OutcomeStale, nil
	}
	if rec == nil {
		return OutcomeNone, nil
	}

	if !insp.Exists(rec.PID) {
		logger.Info("orphan record is stale, process gone", "pid", rec.PID)
		deleteRecord(store, logger)
		return OutcomeStale, rec
	}

	actual, ok := insp.CreationTime(rec.PID)
	if !ok {
		logger.Warn("cannot read orphan creation time, treating as stale", "pid", rec.PID)
		deleteRecord(store, logger)
		return OutcomeStale, rec
	}
	if actual != rec.CreationTime {
		logger.Info("orphan pid reused by another process, not killing",
			"pid", rec.PID, "recorded", rec.CreationTime, "actual", actual)
		deleteRecord(store, logger)
		return OutcomeReused, rec
	}

	logger.Info("killing orphaned sidecar", "pid", rec.PID)
	killed := insp.Kill(rec.PID, OrphanKillTimeout)
	deleteRecord(store, logger)
	if !killed {
		logger.Warn("failed to kill orphaned sidecar, proceeding anyway", "pid", rec.PID)
		return OutcomeKillFailed, rec
	}
	logger.Info("orphaned sidecar killed", "pid", rec.PID)
	return OutcomeKilled, rec
}

func deleteRecord(store Store, logger *slog.Logger) {
	if err := store.Delete(); err != nil {
		logger.Warn("failed to delete orphan record", "error", err)
	}
}
