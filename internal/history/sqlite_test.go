package history

import (
	"bytes"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := logx.New(log.New(&bytes.Buffer{}, "", 0), logx.LevelDebug, "history")
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), logger)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func run(mode, agent string, startedAt time.Time, dur time.Duration) model.RunRecord {
	id, _ := model.GenerateID(model.IDTypeRun)
	return model.RunRecord{
		ID:        id,
		TaskID:    "task_0000000000_deadbeef",
		Mode:      mode,
		AgentName: agent,
		StartedAt: startedAt,
		Duration:  dur,
		Success:   true,
	}
}

func TestLastRun(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	_, found := s.LastRun("farming", "alpha")
	assert.False(t, found)

	require.NoError(t, s.RecordRun(run("farming", "alpha", now.Add(-2*time.Hour), time.Minute)))
	require.NoError(t, s.RecordRun(run("farming", "alpha", now.Add(-time.Hour), time.Minute)))
	require.NoError(t, s.RecordRun(run("combat", "alpha", now, time.Minute)))

	last, found := s.LastRun("farming", "alpha")
	require.True(t, found)
	assert.Equal(t, "farming", last.Mode)
	assert.WithinDuration(t, now.Add(-time.Hour), last.StartedAt, time.Second)
}

func TestCountRunsSince(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordRun(run("farming", "alpha", now.Add(-3*time.Hour), time.Minute)))
	require.NoError(t, s.RecordRun(run("farming", "alpha", now.Add(-30*time.Minute), time.Minute)))
	require.NoError(t, s.RecordRun(run("farming", "beta", now.Add(-10*time.Minute), time.Minute)))

	assert.Equal(t, 1, s.CountRunsSince("farming", "alpha", now.Add(-time.Hour)))
	assert.Equal(t, 2, s.CountRunsSince("farming", "alpha", now.Add(-4*time.Hour)))
	assert.Equal(t, 0, s.CountRunsSince("crafting", "alpha", now.Add(-4*time.Hour)))
}

func TestAgentRuntimeSince(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordRun(run("farming", "alpha", now.Add(-2*time.Hour), 45*time.Minute)))
	require.NoError(t, s.RecordRun(run("combat", "alpha", now.Add(-time.Hour), 30*time.Minute)))
	require.NoError(t, s.RecordRun(run("combat", "beta", now.Add(-time.Hour), 30*time.Minute)))

	assert.Equal(t, 75*time.Minute, s.AgentRuntimeSince("alpha", now.Add(-3*time.Hour)))
	assert.Equal(t, 30*time.Minute, s.AgentRuntimeSince("alpha", now.Add(-90*time.Minute)))
	assert.Equal(t, time.Duration(0), s.AgentRuntimeSince("ghost", now.Add(-3*time.Hour)))
}

func TestTimeline(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	for i, action := range []string{"nudge", "reset_mode", "restart_session"} {
		id, _ := model.GenerateID(model.IDTypeAttempt)
		require.NoError(t, s.RecordAttempt(model.RecoveryAttempt{
			ID:            id,
			AgentName:     "alpha",
			TaskID:        "task_0000000000_deadbeef",
			Action:        action,
			StartedAt:     now.Add(time.Duration(i) * time.Minute),
			Outcome:       model.OutcomeFailure,
			CooldownUntil: now.Add(time.Hour),
		}))
	}

	timeline, err := s.Timeline(2)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, "restart_session", timeline[0].Action) // newest first
	assert.Equal(t, "reset_mode", timeline[1].Action)
	assert.Equal(t, model.OutcomeFailure, timeline[0].Outcome)
}

func TestPruneRuns(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordRun(run("farming", "alpha", now.Add(-48*time.Hour), time.Minute)))
	require.NoError(t, s.RecordRun(run("farming", "alpha", now.Add(-time.Hour), time.Minute)))

	require.NoError(t, s.PruneRuns(now.Add(-24*time.Hour)))

	assert.Equal(t, 1, s.CountRunsSince("farming", "alpha", now.Add(-100*time.Hour)))
}
