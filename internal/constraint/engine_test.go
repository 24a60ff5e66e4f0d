package constraint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/internal/model"
)

// fakeHistory is an in-memory History for engine tests.
type fakeHistory struct {
	runs []model.RunRecord
}

func (h *fakeHistory) LastRun(mode, agent string) (model.RunRecord, bool) {
	var best model.RunRecord
	found := false
	for _, r := range h.runs {
		if r.Mode == mode && r.AgentName == agent && (!found || r.StartedAt.After(best.StartedAt)) {
			best = r
			found = true
		}
	}
	return best, found
}

func (h *fakeHistory) CountRunsSince(mode, agent string, since time.Time) int {
	n := 0
	for _, r := range h.runs {
		if r.Mode == mode && r.AgentName == agent && !r.StartedAt.Before(since) {
			n++
		}
	}
	return n
}

func (h *fakeHistory) AgentRuntimeSince(agent string, since time.Time) time.Duration {
	var total time.Duration
	for _, r := range h.runs {
		if r.AgentName == agent && !r.StartedAt.Before(since) {
			total += r.Duration
		}
	}
	return total
}

func testEngine(plan *model.FleetPlan) *Engine {
	e := New(func() *model.FleetPlan { return plan })
	e.SetSeed(1)
	return e
}

func basePlan() *model.FleetPlan {
	p := &model.FleetPlan{}
	p.Normalize()
	return p
}

func idleAgent(name string, caps ...string) *model.Agent {
	return &model.Agent{
		Name:         name,
		State:        model.AgentStateIdle,
		Health:       model.HealthHealthy,
		Capabilities: caps,
	}
}

func task(mode string) *model.ScheduleTask {
	return &model.ScheduleTask{
		ID:       "task_0000000000_deadbeef",
		Mode:     mode,
		Priority: model.PriorityNormal,
	}
}

func TestHealthGate(t *testing.T) {
	e := testEngine(basePlan())
	now := time.Now()

	tests := []struct {
		name  string
		agent *model.Agent
	}{
		{"error state", &model.Agent{Name: "a", State: model.AgentStateError, Health: model.HealthHealthy}},
		{"maintenance state", &model.Agent{Name: "a", State: model.AgentStateMaintenance, Health: model.HealthHealthy}},
		{"critical health", &model.Agent{Name: "a", State: model.AgentStateIdle, Health: model.HealthCritical}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(task("combat"), tt.agent, now, nil)
			require.False(t, v.Eligible)
			assert.Equal(t, ReasonUnhealthy, v.Reason)
		})
	}
}

func TestCapabilityMismatch(t *testing.T) {
	e := testEngine(basePlan())
	tk := task("crafting")
	tk.Constraints.RequiredCapabilities = []string{"crafting"}

	v := e.Evaluate(tk, idleAgent("a", "combat"), time.Now(), nil)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonCapability, v.Reason)

	v = e.Evaluate(tk, idleAgent("a", "combat", "crafting"), time.Now(), nil)
	assert.True(t, v.Eligible)
}

func TestScheduleWindows(t *testing.T) {
	e := testEngine(basePlan())
	noon := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	tk := task("farming")
	tk.Constraints.Windows = []model.ScheduleWindow{{Start: "09:00", End: "11:00"}}
	v := e.Evaluate(tk, idleAgent("a"), noon, nil)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonOutsideWindow, v.Reason)

	tk.Constraints.Windows = append(tk.Constraints.Windows, model.ScheduleWindow{Start: "11:30", End: "13:00"})
	v = e.Evaluate(tk, idleAgent("a"), noon, nil)
	assert.True(t, v.Eligible, "second window should admit noon")
}

func TestAgentAvoidHours(t *testing.T) {
	plan := basePlan()
	plan.Agents = []model.PlannedAgent{{
		Name: "a", Machine: "m", Window: "w",
		AvoidHours: []model.ScheduleWindow{{Name: "night", Start: "00:00", End: "06:00"}},
	}}
	e := testEngine(plan)

	night := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	v := e.Evaluate(task("farming"), idleAgent("a"), night, nil)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonOutsideWindow, v.Reason)

	day := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	assert.True(t, e.Evaluate(task("farming"), idleAgent("a"), day, nil).Eligible)
}

func TestAgentCooldown(t *testing.T) {
	plan := basePlan()
	plan.Agents = []model.PlannedAgent{{Name: "a", Machine: "m", Window: "w", Cooldown: 10 * time.Minute}}
	e := testEngine(plan)

	now := time.Now()
	a := idleAgent("a")
	a.LastAssigned = now.Add(-5 * time.Minute)
	v := e.Evaluate(task("farming"), a, now, nil)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonOutsideWindow, v.Reason)

	a.LastAssigned = now.Add(-11 * time.Minute)
	assert.True(t, e.Evaluate(task("farming"), a, now, nil).Eligible)
}

func TestMaxDailyRuntime(t *testing.T) {
	plan := basePlan()
	plan.Agents = []model.PlannedAgent{{Name: "a", Machine: "m", Window: "w", MaxDailyRuntime: time.Hour}}
	e := testEngine(plan)

	now := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	hist := &fakeHistory{runs: []model.RunRecord{
		{Mode: "farming", AgentName: "a", StartedAt: now.Add(-4 * time.Hour), Duration: 45 * time.Minute},
		{Mode: "combat", AgentName: "a", StartedAt: now.Add(-2 * time.Hour), Duration: 30 * time.Minute},
	}}

	v := e.Evaluate(task("farming"), idleAgent("a"), now, hist)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonOutsideWindow, v.Reason)
}

func TestQuotaCaps(t *testing.T) {
	e := testEngine(basePlan())
	now := time.Now()

	tk := task("farming")
	tk.Constraints.DailyCap = 2
	tk.CurrentDailyCount = 1
	assert.True(t, e.Evaluate(tk, idleAgent("a"), now, nil).Eligible)

	tk.CurrentDailyCount = 2
	v := e.Evaluate(tk, idleAgent("a"), now, nil)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonDailyCap, v.Reason)

	tk2 := task("farming")
	tk2.Constraints.WeeklyCap = 5
	tk2.CurrentWeeklyCount = 5
	v = e.Evaluate(tk2, idleAgent("a"), now, nil)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonWeeklyCap, v.Reason)
}

func TestAntiPatternGap(t *testing.T) {
	e := testEngine(basePlan())
	now := time.Now()

	tk := task("farming")
	tk.Constraints.AntiPatternRules = []model.AntiPattern{
		{Name: "spacing", MinGap: 10 * time.Minute, MaxGap: 20 * time.Minute},
	}

	// Ran 5 minutes ago: below even the minimum possible gap.
	hist := &fakeHistory{runs: []model.RunRecord{
		{Mode: "farming", AgentName: "a", StartedAt: now.Add(-5 * time.Minute)},
	}}
	v := e.Evaluate(tk, idleAgent("a"), now, hist)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonAntiPattern, v.Reason)

	// Ran 21 minutes ago: beyond the maximum possible gap.
	hist.runs[0].StartedAt = now.Add(-21 * time.Minute)
	assert.True(t, e.Evaluate(tk, idleAgent("a"), now, hist).Eligible)

	// No prior run at all: rule does not apply.
	assert.True(t, e.Evaluate(tk, idleAgent("a"), now, &fakeHistory{}).Eligible)

	// Other agent's runs do not count.
	hist2 := &fakeHistory{runs: []model.RunRecord{
		{Mode: "farming", AgentName: "b", StartedAt: now.Add(-time.Minute)},
	}}
	assert.True(t, e.Evaluate(tk, idleAgent("a"), now, hist2).Eligible)
}

func TestAntiPatternGapIsRandomized(t *testing.T) {
	e := New(func() *model.FleetPlan { return basePlan() })

	// With a 10..20 minute range, draws must stay in range and not all
	// collapse to a single value.
	seen := make(map[time.Duration]bool)
	for i := 0; i < 200; i++ {
		g := e.randomGap(10*time.Minute, 20*time.Minute)
		require.GreaterOrEqual(t, g, 10*time.Minute)
		require.LessOrEqual(t, g, 20*time.Minute)
		seen[g] = true
	}
	assert.Greater(t, len(seen), 1, "gap draws should vary")
}

func TestAntiPatternMaxFrequency(t *testing.T) {
	e := testEngine(basePlan())
	now := time.Now()

	tk := task("farming")
	tk.Constraints.AntiPatternRules = []model.AntiPattern{
		{Name: "freq", MaxPerWindow: 2, Window: time.Hour},
	}

	hist := &fakeHistory{runs: []model.RunRecord{
		{Mode: "farming", AgentName: "a", StartedAt: now.Add(-50 * time.Minute)},
		{Mode: "farming", AgentName: "a", StartedAt: now.Add(-20 * time.Minute)},
	}}
	v := e.Evaluate(tk, idleAgent("a"), now, hist)
	require.False(t, v.Eligible)
	assert.Equal(t, ReasonAntiPattern, v.Reason)

	// Runs aged out of the window no longer count.
	hist.runs[0].StartedAt = now.Add(-2 * time.Hour)
	assert.True(t, e.Evaluate(tk, idleAgent("a"), now, hist).Eligible)
}
