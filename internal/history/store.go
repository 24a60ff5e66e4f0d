// Package history persists run records and recovery attempts. The
// constraint engine consults it for anti-pattern enforcement; the
// recovery timeline read model is served from it.
package history

import (
	"time"

	"github.com/fleetd/fleetd/internal/model"
)

// Store is the pluggable persistence collaborator for execution history.
type Store interface {
	// RecordRun appends one completed execution.
	RecordRun(rec model.RunRecord) error
	// RecordAttempt appends one finished recovery attempt.
	RecordAttempt(att model.RecoveryAttempt) error

	// LastRun returns the most recent run of mode on agent.
	LastRun(mode, agent string) (model.RunRecord, bool)
	// CountRunsSince counts runs of mode on agent started at or after since.
	CountRunsSince(mode, agent string, since time.Time) int
	// AgentRuntimeSince sums run durations on agent since the given time.
	AgentRuntimeSince(agent string, since time.Time) time.Duration

	// Timeline returns the most recent recovery attempts, newest first.
	Timeline(limit int) ([]model.RecoveryAttempt, error)

	// PruneRuns drops runs older than before.
	PruneRuns(before time.Time) error

	Migrate() error
	Close() error
}
