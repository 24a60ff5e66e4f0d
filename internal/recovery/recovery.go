// Package recovery watches (agent, task) pairs for stalled progress and
// walks an escalation ladder against the stuck ones. It never mutates
// task or agent state itself: outcomes are reported through callbacks
// and the scheduler and registry apply them.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/history"
	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
)

// Actuator delivers a recovery action to a worker. Apply blocks until
// the action is delivered or ctx expires; whether it worked is judged
// afterwards by watching for progress.
type Actuator interface {
	Apply(ctx context.Context, action, agentName, taskID string) error
}

// PlanSource yields the currently loaded FleetPlan.
type PlanSource func() *model.FleetPlan

// pair is the tracked state for one running (agent, task) assignment.
type pair struct {
	agentName string
	taskID    string
	mode      string

	state        model.PairState
	lastProgress time.Time

	// Episode-scoped ladder walk. Reset when the pair recovers. The
	// in-flight rung is pinned here at launch so a plan reload that
	// reshapes the ladder cannot move it under a pending verification.
	tried         map[int]bool
	rung          model.LadderRung
	actionStarted time.Time
	verifyBy      time.Time
	episodeID     string
}

// PairStatus is the read-model snapshot of one watched pair.
type PairStatus struct {
	AgentName    string          `json:"agent_name"`
	TaskID       string          `json:"task_id"`
	Mode         string          `json:"mode"`
	State        model.PairState `json:"state"`
	LastProgress time.Time       `json:"last_progress"`
	CurrentRung  string          `json:"current_rung,omitempty"`
	EpisodeID    string          `json:"episode_id,omitempty"`
}

// Subsystem is the stuck-state detector and escalation driver.
type Subsystem struct {
	mu    sync.Mutex
	pairs map[string]*pair // keyed by task ID

	// cooldowns maps agent+"\x00"+action to the time the action becomes
	// usable again. They outlive episodes and pairs.
	cooldowns map[string]time.Time

	stats model.RecoveryStats

	plan     PlanSource
	actuator Actuator
	hist     history.Store
	bus      *events.Bus
	log      *logx.Logger
	now      func() time.Time

	// onExhausted reports a spent ladder; the scheduler fails the task.
	onExhausted func(agentName, taskID string, cause error)
	// onDowngrade reports the same condition to the registry.
	onDowngrade func(agentName, reason string)
}

func New(plan PlanSource, actuator Actuator, hist history.Store, bus *events.Bus, log *logx.Logger) *Subsystem {
	return &Subsystem{
		pairs:     make(map[string]*pair),
		cooldowns: make(map[string]time.Time),
		plan:      plan,
		actuator:  actuator,
		hist:      hist,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Subsystem) SetClock(now func() time.Time) {
	s.now = now
}

// SetOnExhausted wires the scheduler-side consequence of a spent ladder.
func (s *Subsystem) SetOnExhausted(fn func(agentName, taskID string, cause error)) {
	s.onExhausted = fn
}

// SetOnDowngrade wires the registry-side consequence.
func (s *Subsystem) SetOnDowngrade(fn func(agentName, reason string)) {
	s.onDowngrade = fn
}

// Watch starts stall tracking for an assignment. The watch start counts
// as the progress baseline.
func (s *Subsystem) Watch(agentName, taskID, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pairs[taskID] = &pair{
		agentName:    agentName,
		taskID:       taskID,
		mode:         mode,
		state:        model.PairWatching,
		lastProgress: s.now(),
		tried:        make(map[int]bool),
	}
	s.log.Debugf("pair_watch agent=%s task=%s mode=%s", agentName, taskID, mode)
}

// Unwatch drops a pair, short-circuiting any recovery in flight. Called
// on terminal task states and on cancellation.
func (s *Subsystem) Unwatch(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pairs[taskID]; ok {
		delete(s.pairs, taskID)
		s.log.Debugf("pair_unwatch agent=%s task=%s state=%s", p.agentName, taskID, p.state)
	}
}

// Progress records a liveness signal for the pair.
func (s *Subsystem) Progress(taskID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pairs[taskID]; ok && at.After(p.lastProgress) {
		p.lastProgress = at
	}
}

// AgentActivity records a heartbeat-derived state change on an agent.
// It counts as liveness for every pair on that agent: a worker whose
// reported state is moving is not stuck, even if it never sends an
// explicit progress report.
func (s *Subsystem) AgentActivity(agentName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pairs {
		if p.agentName == agentName && at.After(p.lastProgress) {
			p.lastProgress = at
		}
	}
}

// Check is the periodic pass: detect new stalls, judge in-flight
// actions against their verification deadline, and launch the next
// rung for pairs that remain stuck.
func (s *Subsystem) Check(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan := s.plan()
	for _, p := range s.pairs {
		switch p.state {
		case model.PairWatching:
			s.detectLocked(p, plan, now)
		case model.PairRecovering:
			s.judgeLocked(p, plan, now)
		}
	}
	// Launch after judging so a failed rung can escalate on the same
	// pass it was judged.
	for _, p := range s.pairs {
		if p.state == model.PairStuckDetected {
			s.escalateLocked(ctx, p, plan, now)
		}
	}
}

// detectLocked moves a silent pair to stuck_detected.
func (s *Subsystem) detectLocked(p *pair, plan *model.FleetPlan, now time.Time) {
	threshold := plan.StallThresholdFor(p.mode)
	if now.Sub(p.lastProgress) <= threshold {
		return
	}

	p.state = model.PairStuckDetected
	if p.episodeID == "" {
		if id, err := model.GenerateID(model.IDTypeAttempt); err == nil {
			p.episodeID = id
		}
	}
	s.log.Warnf("stuck_detected agent=%s task=%s mode=%s silent=%s",
		p.agentName, p.taskID, p.mode, now.Sub(p.lastProgress).Truncate(time.Second))
	s.bus.Publish(events.EventStuckDetected, map[string]any{
		"agent": p.agentName, "task_id": p.taskID, "mode": p.mode,
	})
}

// judgeLocked decides whether the in-flight action worked: progress
// after the action started means recovered, a blown verification
// deadline means the rung failed. Judged against the pinned rung, not
// the current ladder.
func (s *Subsystem) judgeLocked(p *pair, plan *model.FleetPlan, now time.Time) {
	rung := p.rung

	if p.lastProgress.After(p.actionStarted) {
		s.stats.Successes++
		s.recordAttemptLocked(p, rung, model.OutcomeSuccess, "progress resumed")
		p.state = model.PairWatching
		p.tried = make(map[int]bool)
		p.episodeID = ""
		s.log.Infof("recovered agent=%s task=%s action=%s", p.agentName, p.taskID, rung.Action)
		s.bus.Publish(events.EventRecoveryAttempted, map[string]any{
			"agent": p.agentName, "task_id": p.taskID, "action": rung.Action, "outcome": string(model.OutcomeSuccess),
		})
		return
	}

	if now.Before(p.verifyBy) {
		return
	}

	s.stats.Failures++
	s.recordAttemptLocked(p, rung, model.OutcomeFailure, "no progress within verification window")
	p.state = model.PairStuckDetected
	s.log.Warnf("recovery_action_failed agent=%s task=%s action=%s", p.agentName, p.taskID, rung.Action)
	s.bus.Publish(events.EventRecoveryAttempted, map[string]any{
		"agent": p.agentName, "task_id": p.taskID, "action": rung.Action, "outcome": string(model.OutcomeFailure),
	})
}

// escalateLocked picks the lowest untried rung whose action is not
// cooling down for this agent and fires it. Cooling untried rungs are
// recorded as skipped. When nothing remains the ladder is exhausted.
func (s *Subsystem) escalateLocked(ctx context.Context, p *pair, plan *model.FleetPlan, now time.Time) {
	ladder := plan.Recovery.Ladder
	for i, rung := range ladder {
		if p.tried[i] {
			continue
		}
		if until, cooling := s.cooldowns[cooldownKey(p.agentName, rung.Action)]; cooling && now.Before(until) {
			p.tried[i] = true
			s.stats.Skips++
			s.recordAttemptLocked(p, rung, model.OutcomeSkipped, "action cooling down")
			s.log.Debugf("rung_skipped agent=%s task=%s action=%s until=%s",
				p.agentName, p.taskID, rung.Action, until.Format(time.RFC3339))
			continue
		}

		p.tried[i] = true
		p.rung = rung
		p.actionStarted = now
		p.verifyBy = now.Add(plan.Recovery.VerifyWindow)
		p.state = model.PairRecovering
		s.cooldowns[cooldownKey(p.agentName, rung.Action)] = now.Add(rung.Cooldown)
		s.stats.Attempts++

		s.log.Infof("recovery_action agent=%s task=%s action=%s rung=%d verify_by=%s",
			p.agentName, p.taskID, rung.Action, i, p.verifyBy.Format(time.RFC3339))
		go s.apply(ctx, rung.Action, p.agentName, p.taskID)
		return
	}

	s.exhaustLocked(p)
}

func (s *Subsystem) apply(ctx context.Context, action, agentName, taskID string) {
	if err := s.actuator.Apply(ctx, action, agentName, taskID); err != nil {
		// Delivery failure is not judged here: the verification deadline
		// will expire and the rung counts as failed.
		s.log.Errorf("actuator_apply agent=%s task=%s action=%s error=%v", agentName, taskID, action, err)
	}
}

func (s *Subsystem) exhaustLocked(p *pair) {
	p.state = model.PairExhausted
	delete(s.pairs, p.taskID)
	s.stats.Exhausted++

	s.log.Errorf("recovery_exhausted agent=%s task=%s mode=%s", p.agentName, p.taskID, p.mode)
	s.bus.Publish(events.EventRecoveryExhausted, map[string]any{
		"agent": p.agentName, "task_id": p.taskID,
	})
	if s.onExhausted != nil {
		s.onExhausted(p.agentName, p.taskID, model.ErrRecoveryExhausted)
	}
	if s.onDowngrade != nil {
		s.onDowngrade(p.agentName, model.ErrRecoveryExhausted.Error())
	}
}

func (s *Subsystem) recordAttemptLocked(p *pair, rung model.LadderRung, outcome model.RecoveryOutcome, detail string) {
	id, err := model.GenerateID(model.IDTypeAttempt)
	if err != nil {
		s.log.Errorf("attempt_id error=%v", err)
		return
	}
	att := model.RecoveryAttempt{
		ID:            id,
		AgentName:     p.agentName,
		TaskID:        p.taskID,
		Action:        rung.Action,
		StartedAt:     p.actionStarted,
		Outcome:       outcome,
		CooldownUntil: s.cooldowns[cooldownKey(p.agentName, rung.Action)],
		Detail:        detail,
	}
	if att.StartedAt.IsZero() {
		att.StartedAt = s.now()
	}
	if err := s.hist.RecordAttempt(att); err != nil {
		s.log.Errorf("record_attempt agent=%s task=%s error=%v", p.agentName, p.taskID, err)
	}
}

// Stats returns the running totals.
func (s *Subsystem) Stats() model.RecoveryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Status returns a snapshot of all watched pairs sorted by task ID.
func (s *Subsystem) Status() []PairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PairStatus, 0, len(s.pairs))
	for _, p := range s.pairs {
		st := PairStatus{
			AgentName:    p.agentName,
			TaskID:       p.taskID,
			Mode:         p.mode,
			State:        p.state,
			LastProgress: p.lastProgress,
			EpisodeID:    p.episodeID,
		}
		if p.state == model.PairRecovering {
			st.CurrentRung = p.rung.Action
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Timeline exposes the persisted attempt history, newest first.
func (s *Subsystem) Timeline(limit int) ([]model.RecoveryAttempt, error) {
	return s.hist.Timeline(limit)
}

func cooldownKey(agent, action string) string {
	return agent + "\x00" + action
}
