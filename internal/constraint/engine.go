// Package constraint evaluates whether a task may run on an agent right
// now. Evaluation is pure: the engine holds only the rule inputs it is
// given (plan, history view, randomness source) and mutates nothing.
package constraint

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetd/fleetd/internal/model"
)

// Reason is a machine-readable ineligibility code.
type Reason string

const (
	ReasonOutsideWindow Reason = "outside_schedule_window"
	ReasonDailyCap      Reason = "daily_cap_exceeded"
	ReasonWeeklyCap     Reason = "weekly_cap_exceeded"
	ReasonAntiPattern   Reason = "anti_pattern_violation"
	ReasonCapability    Reason = "capability_mismatch"
	ReasonUnhealthy     Reason = "agent_unhealthy"
)

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Eligible bool
	Reason   Reason
	Detail   string
}

func eligible() Verdict {
	return Verdict{Eligible: true}
}

func ineligible(reason Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// History is the read-only view of prior runs the engine consults for
// anti-pattern and per-agent runtime rules.
type History interface {
	// LastRun returns the most recent run of mode on agent, if any.
	LastRun(mode, agent string) (model.RunRecord, bool)
	// CountRunsSince returns how many runs of mode on agent started at
	// or after since.
	CountRunsSince(mode, agent string, since time.Time) int
	// AgentRuntimeSince sums run durations on agent started at or after
	// since, across all modes.
	AgentRuntimeSince(agent string, since time.Time) time.Duration
}

// PlanSource yields the currently loaded FleetPlan.
type PlanSource func() *model.FleetPlan

// Engine evaluates (task, agent, now) triples against time-window,
// quota, and anti-pattern rules.
type Engine struct {
	plan PlanSource

	mu  sync.Mutex
	rng *rand.Rand
}

func New(plan PlanSource) *Engine {
	return &Engine{
		plan: plan,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSeed makes the randomized gaps reproducible for tests.
func (e *Engine) SetSeed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rand.New(rand.NewSource(seed))
}

// randomGap draws the required spacing uniformly from [min, max]. The
// draw happens per evaluation so that repeated scheduling of the same
// task does not itself produce a perfectly periodic signature.
func (e *Engine) randomGap(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return min + time.Duration(e.rng.Int63n(int64(max-min)+1))
}

// Evaluate checks every constraint class in a fixed order: health gate,
// capabilities, schedule windows, quotas, anti-pattern rules. The first
// violated class decides the verdict.
func (e *Engine) Evaluate(task *model.ScheduleTask, agent *model.Agent, now time.Time, hist History) Verdict {
	plan := e.plan()

	// Health gate: error/maintenance state or critical health is never
	// eligible regardless of anything else.
	if agent.State == model.AgentStateError || agent.State == model.AgentStateMaintenance {
		return ineligible(ReasonUnhealthy, "agent %s state is %s", agent.Name, agent.State)
	}
	if agent.Health == model.HealthCritical {
		return ineligible(ReasonUnhealthy, "agent %s health is critical", agent.Name)
	}

	if !agent.HasCapabilities(task.Constraints.RequiredCapabilities) {
		return ineligible(ReasonCapability, "agent %s lacks %v", agent.Name, task.Constraints.RequiredCapabilities)
	}

	if v := e.checkWindows(task, agent, now, plan, hist); !v.Eligible {
		return v
	}
	if v := checkQuotas(task); !v.Eligible {
		return v
	}
	if v := e.checkAntiPatterns(task, agent, now, hist); !v.Eligible {
		return v
	}
	return eligible()
}

func (e *Engine) checkWindows(task *model.ScheduleTask, agent *model.Agent, now time.Time, plan *model.FleetPlan, hist History) Verdict {
	// No declared windows means always eligible.
	if len(task.Constraints.Windows) > 0 {
		inAny := false
		for _, w := range task.Constraints.Windows {
			if w.Contains(now) {
				inAny = true
				break
			}
		}
		if !inAny {
			return ineligible(ReasonOutsideWindow, "now outside all %d task windows", len(task.Constraints.Windows))
		}
	}

	planned := plan.PlannedAgentByName(agent.Name)
	if planned == nil {
		return eligible()
	}

	for _, w := range planned.AvoidHours {
		if w.Contains(now) {
			return ineligible(ReasonOutsideWindow, "agent %s avoid-hours window %q", agent.Name, w.Name)
		}
	}
	if planned.Cooldown > 0 && !agent.LastAssigned.IsZero() {
		if rest := now.Sub(agent.LastAssigned); rest < planned.Cooldown {
			return ineligible(ReasonOutsideWindow, "agent %s cooling down %s of %s", agent.Name, rest, planned.Cooldown)
		}
	}
	if planned.MaxDailyRuntime > 0 && hist != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if used := hist.AgentRuntimeSince(agent.Name, dayStart); used >= planned.MaxDailyRuntime {
			return ineligible(ReasonOutsideWindow, "agent %s daily runtime %s >= %s", agent.Name, used, planned.MaxDailyRuntime)
		}
	}
	return eligible()
}

// checkQuotas enforces the advisory execution ceilings. An unset cap
// means unlimited.
func checkQuotas(task *model.ScheduleTask) Verdict {
	if cap := task.Constraints.DailyCap; cap > 0 && task.CurrentDailyCount >= cap {
		return ineligible(ReasonDailyCap, "daily count %d >= cap %d", task.CurrentDailyCount, cap)
	}
	if cap := task.Constraints.WeeklyCap; cap > 0 && task.CurrentWeeklyCount >= cap {
		return ineligible(ReasonWeeklyCap, "weekly count %d >= cap %d", task.CurrentWeeklyCount, cap)
	}
	return eligible()
}

// checkAntiPatterns rejects runs that would make the same mode on the
// same agent look mechanically regular. The minimum gap is randomized
// per rule; frequency rules count actual history, not just counters.
func (e *Engine) checkAntiPatterns(task *model.ScheduleTask, agent *model.Agent, now time.Time, hist History) Verdict {
	if len(task.Constraints.AntiPatternRules) == 0 || hist == nil {
		return eligible()
	}

	for _, rule := range task.Constraints.AntiPatternRules {
		if rule.MinGap > 0 || rule.MaxGap > 0 {
			if last, ok := hist.LastRun(task.Mode, agent.Name); ok {
				required := e.randomGap(rule.MinGap, rule.MaxGap)
				if gap := now.Sub(last.StartedAt); gap < required {
					return ineligible(ReasonAntiPattern, "rule %q: gap %s < required %s", rule.Name, gap.Truncate(time.Second), required.Truncate(time.Second))
				}
			}
		}
		if rule.MaxPerWindow > 0 && rule.Window > 0 {
			count := hist.CountRunsSince(task.Mode, agent.Name, now.Add(-rule.Window))
			if count >= rule.MaxPerWindow {
				return ineligible(ReasonAntiPattern, "rule %q: %d runs in %s >= %d", rule.Name, count, rule.Window, rule.MaxPerWindow)
			}
		}
	}
	return eligible()
}
