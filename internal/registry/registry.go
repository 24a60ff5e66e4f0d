// Package registry is the source of truth for agent identity, declared
// capabilities, and lifecycle state. Liveness is never taken purely on
// faith from self-reports: the timeout-based downgrade to offline is
// owned here, so a wedged or partitioned agent cannot stay online
// forever.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
)

// PlanSource yields the currently loaded FleetPlan.
type PlanSource func() *model.FleetPlan

// Registry owns all agent state. Every mutation goes through its lock;
// reads hand out clones.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*model.Agent

	plan PlanSource
	bus  *events.Bus
	log  *logx.Logger
	now  func() time.Time

	// onAgentRemoved lets the scheduler fail tasks running on an agent
	// that disappears, without the registry touching task state itself.
	onAgentRemoved func(name, reason string)

	// onAgentActivity reports a heartbeat that changed the agent's
	// reported state or mode; stuck detection treats it as liveness.
	onAgentActivity func(name string, at time.Time)
}

// New creates a registry reading thresholds from plan.
func New(plan PlanSource, bus *events.Bus, log *logx.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*model.Agent),
		plan:   plan,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetOnAgentRemoved wires the scheduler callback invoked when an agent
// with a running task is unregistered or dropped.
func (r *Registry) SetOnAgentRemoved(fn func(name, reason string)) {
	r.onAgentRemoved = fn
}

// SetOnAgentActivity wires the stuck-detection callback fired when a
// heartbeat changes an agent's reported state or mode.
func (r *Registry) SetOnAgentActivity(fn func(name string, at time.Time)) {
	r.onAgentActivity = fn
}

// Register creates an agent from a descriptor. An existing agent that is
// not offline rejects the call; an offline one is replaced in place,
// which covers a worker restarting after a crash.
func (r *Registry) Register(desc model.AgentDescriptor) (*model.Agent, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[desc.Name]; ok && existing.State != model.AgentStateOffline {
		return nil, fmt.Errorf("agent %s is %s: %w", desc.Name, existing.State, model.ErrDuplicateAgent)
	}

	now := r.now()
	agent := &model.Agent{
		Name:          desc.Name,
		Machine:       desc.Machine,
		Window:        desc.Window,
		State:         model.AgentStateIdle,
		Health:        model.HealthUnknown,
		Capabilities:  append([]string(nil), desc.Capabilities...),
		SessionData:   desc.SessionData,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	// Planned agents inherit declared capabilities when the descriptor
	// omits them.
	if planned := r.plan().PlannedAgentByName(desc.Name); planned != nil && len(agent.Capabilities) == 0 {
		agent.Capabilities = append([]string(nil), planned.Capabilities...)
	}

	r.agents[desc.Name] = agent
	r.log.Infof("agent_registered name=%s machine=%s window=%s caps=%v",
		agent.Name, agent.Machine, agent.Window, agent.Capabilities)
	r.bus.Publish(events.EventAgentOnline, map[string]any{"agent": agent.Name})

	return agent.Clone(), nil
}

// Unregister removes an agent. A task running on it is failed through
// the scheduler callback.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	agent, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", name, model.ErrAgentNotFound)
	}
	runningTask := agent.CurrentTask
	delete(r.agents, name)
	r.mu.Unlock()

	r.log.Infof("agent_unregistered name=%s running_task=%s", name, runningTask)
	r.bus.Publish(events.EventAgentRemoved, map[string]any{"agent": name})

	if runningTask != "" && r.onAgentRemoved != nil {
		r.onAgentRemoved(name, "agent removed")
	}
	return nil
}

// Heartbeat updates liveness and recomputes health. A self-reported
// state is adopted as-is; only the liveness-derived offline transition
// is owned by the registry.
func (r *Registry) Heartbeat(name string, reportedState model.AgentState, reportedMode string) (*model.Agent, error) {
	r.mu.Lock()

	agent, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", name, model.ErrAgentNotFound)
	}

	now := r.now()
	plan := r.plan()
	gap := now.Sub(agent.LastHeartbeat)

	wasOffline := agent.State == model.AgentStateOffline
	prevState, prevMode := agent.State, agent.CurrentMode
	if !wasOffline && gap > 0 {
		agent.Uptime += gap
	}
	agent.LastHeartbeat = now

	if reportedState != "" {
		if !model.IsValidAgentState(reportedState) {
			r.mu.Unlock()
			return nil, fmt.Errorf("invalid reported state %q", reportedState)
		}
		agent.State = reportedState
	} else if wasOffline {
		agent.State = model.AgentStateIdle
	}
	if reportedMode != "" {
		agent.CurrentMode = reportedMode
	}

	agent.Health = computeHealth(agent, gap, plan)

	changed := agent.State != prevState || agent.CurrentMode != prevMode
	if wasOffline && agent.State != model.AgentStateOffline {
		r.log.Infof("agent_back_online name=%s gap=%s", name, gap)
		r.bus.Publish(events.EventAgentOnline, map[string]any{"agent": name})
	}
	r.log.Debugf("heartbeat name=%s state=%s health=%s mode=%s", name, agent.State, agent.Health, agent.CurrentMode)

	clone := agent.Clone()
	r.mu.Unlock()

	// Fired outside the lock: the callback takes the recovery lock, and
	// recovery callbacks take ours.
	if changed && r.onAgentActivity != nil {
		r.onAgentActivity(name, now)
	}
	return clone, nil
}

// computeHealth derives the health axis from error counts and heartbeat
// latency thresholds declared in the plan.
func computeHealth(agent *model.Agent, gap time.Duration, plan *model.FleetPlan) model.AgentHealth {
	switch {
	case agent.ErrorCount >= plan.Fleet.CriticalErrorCount:
		return model.HealthCritical
	case agent.ErrorCount >= plan.Fleet.WarningErrorCount:
		return model.HealthWarning
	case plan.Fleet.WarningLatency > 0 && gap > plan.Fleet.WarningLatency:
		return model.HealthWarning
	default:
		return model.HealthHealthy
	}
}

// Get returns a clone of the named agent.
func (r *Registry) Get(name string) (*model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", name, model.ErrAgentNotFound)
	}
	return agent.Clone(), nil
}

// List returns a filtered snapshot sorted by name.
func (r *Registry) List(filter model.AgentFilter) []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Agent
	for _, agent := range r.agents {
		if filter.Matches(agent) {
			out = append(out, agent.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkOfflineIfStale is the periodic sweep and the sole authority for
// declaring an agent dead. Agents past the liveness timeout go offline
// regardless of their last reported state; agents offline past the
// retention horizon are dropped entirely. Returns the agents that
// transitioned to offline.
func (r *Registry) MarkOfflineIfStale(now time.Time) []*model.Agent {
	plan := r.plan()
	var transitioned []*model.Agent
	var removed []string

	r.mu.Lock()
	for name, agent := range r.agents {
		stale := now.Sub(agent.LastHeartbeat)
		if agent.State == model.AgentStateOffline {
			// Planned placeholders that never sent a heartbeat are kept.
			if !agent.LastHeartbeat.IsZero() && stale > plan.Fleet.Retention {
				delete(r.agents, name)
				removed = append(removed, name)
			}
			continue
		}
		if stale > plan.Fleet.LivenessTimeout {
			agent.State = model.AgentStateOffline
			agent.Health = model.HealthUnknown
			transitioned = append(transitioned, agent.Clone())
			agent.CurrentTask = ""
			agent.CurrentMode = ""
		}
	}
	r.mu.Unlock()

	for _, agent := range transitioned {
		r.log.Warnf("agent_offline name=%s last_heartbeat=%s", agent.Name, agent.LastHeartbeat.Format(time.RFC3339))
		r.bus.Publish(events.EventAgentOffline, map[string]any{"agent": agent.Name})
		if agent.CurrentTask != "" && r.onAgentRemoved != nil {
			r.onAgentRemoved(agent.Name, "agent offline")
		}
	}
	for _, name := range removed {
		r.log.Infof("agent_retention_drop name=%s", name)
		r.bus.Publish(events.EventAgentRemoved, map[string]any{"agent": name})
	}
	return transitioned
}

// MarkBusy records an assignment. Fails unless the agent is currently
// assignable, which keeps assignment from racing a concurrent
// unregistration.
func (r *Registry) MarkBusy(name, taskID, mode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("agent %s: %w", name, model.ErrAgentNotFound)
	}
	if agent.State != model.AgentStateIdle && agent.State != model.AgentStateOnline {
		return fmt.Errorf("agent %s is %s, not assignable", name, agent.State)
	}
	if agent.CurrentTask != "" {
		return fmt.Errorf("agent %s already running task %s", name, agent.CurrentTask)
	}

	agent.State = model.AgentStateBusy
	agent.CurrentTask = taskID
	agent.CurrentMode = mode
	agent.LastAssigned = r.now()
	return nil
}

// Release returns an agent to idle after its task reaches a terminal or
// paused state. A failure increments the error counter and, past the
// plan threshold, parks the agent in error state.
func (r *Registry) Release(name string, failed bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[name]
	if !ok {
		return
	}

	agent.CurrentTask = ""
	agent.CurrentMode = ""

	plan := r.plan()
	if failed {
		agent.ErrorCount++
		agent.LastError = errMsg
		agent.Health = computeHealth(agent, 0, plan)
		if agent.ErrorCount >= plan.Scheduler.MaxAgentErrors {
			agent.State = model.AgentStateError
			r.log.Warnf("agent_error_threshold name=%s errors=%d", name, agent.ErrorCount)
			return
		}
	}
	if agent.State == model.AgentStateBusy {
		agent.State = model.AgentStateIdle
	}
}

// Downgrade marks an agent unhealthy with a reason, used when recovery
// against it is exhausted.
func (r *Registry) Downgrade(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[name]
	if !ok {
		return
	}
	agent.ErrorCount++
	agent.LastError = reason
	agent.Health = model.HealthCritical
	r.log.Warnf("agent_downgraded name=%s reason=%q errors=%d", name, reason, agent.ErrorCount)
}

// SyncPlan seeds placeholder entries for auto-start agents declared in
// the plan, so the fleet read model shows expected-but-absent workers.
func (r *Registry) SyncPlan() {
	plan := r.plan()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range plan.Agents {
		p := &plan.Agents[i]
		if !p.AutoStart {
			continue
		}
		if _, ok := r.agents[p.Name]; ok {
			continue
		}
		r.agents[p.Name] = &model.Agent{
			Name:         p.Name,
			Machine:      p.Machine,
			Window:       p.Window,
			State:        model.AgentStateOffline,
			Health:       model.HealthUnknown,
			Capabilities: append([]string(nil), p.Capabilities...),
			RegisteredAt: r.now(),
		}
		r.log.Debugf("agent_planned_placeholder name=%s", p.Name)
	}
}
