// Package scheduler owns the task queue and all task state. A single
// logical decision-maker assigns pending tasks to agents on each tick;
// heartbeats and progress reports from many workers are merged in
// through the lock without tearing task status or counters.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetd/fleetd/internal/constraint"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/history"
	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
	"github.com/fleetd/fleetd/internal/registry"
)

// PairWatcher is the recovery subsystem's view of running work: the
// scheduler tells it what to watch, it decides when something is stuck.
type PairWatcher interface {
	Watch(agentName, taskID, mode string)
	Unwatch(taskID string)
	Progress(taskID string, at time.Time)
}

// StopSignaler delivers a stop signal to the worker running a task.
// Delivery is best-effort; an unreachable worker is handled by the
// liveness sweep.
type StopSignaler interface {
	SignalStop(agentName, taskID string)
}

// PlanSource yields the currently loaded FleetPlan.
type PlanSource func() *model.FleetPlan

// Scheduler coordinates admission, constraint filtering, and assignment.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*model.ScheduleTask

	registry *registry.Registry
	engine   *constraint.Engine
	hist     history.Store
	plan     PlanSource
	bus      *events.Bus
	log      *logx.Logger
	now      func() time.Time

	watcher PairWatcher
	stopper StopSignaler
}

func New(reg *registry.Registry, engine *constraint.Engine, hist history.Store,
	plan PlanSource, bus *events.Bus, log *logx.Logger) *Scheduler {
	return &Scheduler{
		tasks:    make(map[string]*model.ScheduleTask),
		registry: reg,
		engine:   engine,
		hist:     hist,
		plan:     plan,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetPairWatcher wires the recovery subsystem. Optional; without it no
// stuck detection happens.
func (s *Scheduler) SetPairWatcher(w PairWatcher) {
	s.watcher = w
}

// SetStopSignaler wires the transport used to interrupt running workers.
func (s *Scheduler) SetStopSignaler(st StopSignaler) {
	s.stopper = st
}

// Submit validates and enqueues a task.
func (s *Scheduler) Submit(task *model.ScheduleTask) (string, error) {
	if task.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return "", err
		}
		task.ID = id
	}
	if task.Priority == "" {
		task.Priority = model.PriorityNormal
	}
	if err := task.Validate(); err != nil {
		return "", err
	}
	// A pinned agent that already exists must be able to run the task at
	// all; a pin on a not-yet-registered agent is accepted and waits.
	if task.PinnedAgent != "" {
		if agent, err := s.registry.Get(task.PinnedAgent); err == nil {
			if !agent.HasCapabilities(task.Constraints.RequiredCapabilities) {
				return "", fmt.Errorf("pinned agent %s lacks %v: %w",
					task.PinnedAgent, task.Constraints.RequiredCapabilities, model.ErrCapabilityMismatch)
			}
		}
	}

	now := s.now()
	stored := task.Clone()
	stored.Status = model.StatusPending
	stored.CreatedAt = now
	if stored.ScheduledFor.IsZero() {
		stored.ScheduledFor = now
	}
	stored.AssignedAgent = ""
	stored.StartedAt = time.Time{}
	stored.CompletedAt = time.Time{}

	s.mu.Lock()
	s.tasks[stored.ID] = stored
	s.mu.Unlock()

	s.log.Infof("task_submitted id=%s name=%q mode=%s priority=%s pinned=%s",
		stored.ID, stored.Name, stored.Mode, stored.Priority, stored.PinnedAgent)
	s.bus.Publish(events.EventTaskSubmitted, map[string]any{"task_id": stored.ID, "mode": stored.Mode})
	return stored.ID, nil
}

// Tick runs one scheduling pass: promote starved tasks, roll quota
// windows, then assign eligible pending tasks in priority order. Given
// the same queue and registry snapshot the pass is deterministic.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.promoteStarved(now)

	for _, task := range s.tasks {
		rollQuotaWindows(task, now)
	}

	pending := s.sortedPending(now)
	if len(pending) == 0 {
		return
	}

	held := s.heldResources()
	assignedThisTick := make(map[string]bool)

	for _, task := range pending {
		if res := task.Constraints.ExclusiveResource; res != "" && held[res] {
			continue
		}
		agent := s.pickAgent(task, now, assignedThisTick)
		if agent == nil {
			// Normal backpressure, not an error: retried next tick.
			continue
		}
		if err := s.registry.MarkBusy(agent.Name, task.ID, task.Mode); err != nil {
			// Lost a race with an unregistration; try again next tick.
			s.log.Debugf("assign_race task=%s agent=%s error=%v", task.ID, agent.Name, err)
			continue
		}

		task.Status = model.StatusRunning
		task.AssignedAgent = agent.Name
		task.StartedAt = now
		task.CurrentDailyCount++
		task.CurrentWeeklyCount++
		assignedThisTick[agent.Name] = true
		if task.Constraints.ExclusiveResource != "" {
			held[task.Constraints.ExclusiveResource] = true
		}

		s.log.Infof("task_assigned id=%s mode=%s agent=%s priority=%s daily=%d weekly=%d",
			task.ID, task.Mode, agent.Name, task.Priority, task.CurrentDailyCount, task.CurrentWeeklyCount)
		s.bus.Publish(events.EventTaskAssigned, map[string]any{
			"task_id": task.ID, "agent": agent.Name, "mode": task.Mode,
		})
		if s.watcher != nil {
			s.watcher.Watch(agent.Name, task.ID, task.Mode)
		}
	}
}

// promoteStarved lifts low-tier tasks that have waited past the
// configured max age one tier per tick, so constant high-priority churn
// cannot starve them forever.
func (s *Scheduler) promoteStarved(now time.Time) {
	maxAge := s.plan().Scheduler.StarvationMaxAge
	if maxAge <= 0 {
		return
	}
	for _, task := range s.tasks {
		if task.Status != model.StatusPending || task.Priority == model.PriorityCritical {
			continue
		}
		if now.Sub(task.CreatedAt) <= maxAge {
			continue
		}
		from := task.Priority
		task.Priority = model.Promote(task.Priority)
		s.log.Infof("task_promoted id=%s from=%s to=%s waited=%s",
			task.ID, from, task.Priority, now.Sub(task.CreatedAt).Truncate(time.Second))
		s.bus.Publish(events.EventTaskPromoted, map[string]any{
			"task_id": task.ID, "from": string(from), "to": string(task.Priority),
		})
	}
}

// sortedPending returns due pending tasks ordered by priority, then
// scheduled_for, then id as the final deterministic tie-break.
func (s *Scheduler) sortedPending(now time.Time) []*model.ScheduleTask {
	var pending []*model.ScheduleTask
	for _, task := range s.tasks {
		if task.Status == model.StatusPending && !task.ScheduledFor.After(now) {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := model.PriorityRank(pending[i].Priority), model.PriorityRank(pending[j].Priority)
		if pi != pj {
			return pi < pj
		}
		if !pending[i].ScheduledFor.Equal(pending[j].ScheduledFor) {
			return pending[i].ScheduledFor.Before(pending[j].ScheduledFor)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending
}

// heldResources maps exclusive resource tags of running tasks.
func (s *Scheduler) heldResources() map[string]bool {
	held := make(map[string]bool)
	for _, task := range s.tasks {
		if task.Status == model.StatusRunning && task.Constraints.ExclusiveResource != "" {
			held[task.Constraints.ExclusiveResource] = true
		}
	}
	return held
}

// pickAgent returns the best eligible candidate: constraint-satisfying,
// then highest health, then least recently used.
func (s *Scheduler) pickAgent(task *model.ScheduleTask, now time.Time, assignedThisTick map[string]bool) *model.Agent {
	var candidates []*model.Agent
	if task.PinnedAgent != "" {
		agent, err := s.registry.Get(task.PinnedAgent)
		if err != nil {
			return nil
		}
		candidates = []*model.Agent{agent}
	} else {
		candidates = s.registry.List(model.AgentFilter{State: model.AgentStateIdle})
	}

	var eligible []*model.Agent
	for _, agent := range candidates {
		if assignedThisTick[agent.Name] {
			continue
		}
		if agent.State != model.AgentStateIdle || agent.CurrentTask != "" {
			continue
		}
		verdict := s.engine.Evaluate(task, agent, now, s.hist)
		if !verdict.Eligible {
			s.log.Debugf("candidate_rejected task=%s agent=%s reason=%s detail=%q",
				task.ID, agent.Name, verdict.Reason, verdict.Detail)
			continue
		}
		eligible = append(eligible, agent)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		hi, hj := model.HealthRank(eligible[i].Health), model.HealthRank(eligible[j].Health)
		if hi != hj {
			return hi < hj
		}
		if !eligible[i].LastAssigned.Equal(eligible[j].LastAssigned) {
			return eligible[i].LastAssigned.Before(eligible[j].LastAssigned)
		}
		return eligible[i].Name < eligible[j].Name
	})
	return eligible[0]
}

// rollQuotaWindows resets the daily/weekly counters exactly at their
// window boundaries.
func rollQuotaWindows(task *model.ScheduleTask, now time.Time) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if task.DailyWindowStart.Before(dayStart) {
		task.DailyWindowStart = dayStart
		task.CurrentDailyCount = 0
	}

	weekStart := dayStart.AddDate(0, 0, -mondayOffset(now.Weekday()))
	if task.WeeklyWindowStart.Before(weekStart) {
		task.WeeklyWindowStart = weekStart
		task.CurrentWeeklyCount = 0
	}
}

func mondayOffset(d time.Weekday) int {
	if d == time.Sunday {
		return 6
	}
	return int(d) - int(time.Monday)
}
