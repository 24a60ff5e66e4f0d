package model

import "fmt"

// AgentState is the mutually exclusive lifecycle state of an agent.
type AgentState string

const (
	AgentStateOnline      AgentState = "online"
	AgentStateOffline     AgentState = "offline"
	AgentStateBusy        AgentState = "busy"
	AgentStateIdle        AgentState = "idle"
	AgentStateError       AgentState = "error"
	AgentStateMaintenance AgentState = "maintenance"
)

var validAgentStates = map[AgentState]bool{
	AgentStateOnline:      true,
	AgentStateOffline:     true,
	AgentStateBusy:        true,
	AgentStateIdle:        true,
	AgentStateError:       true,
	AgentStateMaintenance: true,
}

func IsValidAgentState(s AgentState) bool {
	return validAgentStates[s]
}

// AgentHealth is the derived health axis, independent of state.
type AgentHealth string

const (
	HealthHealthy  AgentHealth = "healthy"
	HealthWarning  AgentHealth = "warning"
	HealthCritical AgentHealth = "critical"
	HealthUnknown  AgentHealth = "unknown"
)

// healthRank orders health best-first for candidate selection.
var healthRank = map[AgentHealth]int{
	HealthHealthy:  0,
	HealthWarning:  1,
	HealthUnknown:  2,
	HealthCritical: 3,
}

// HealthRank returns the selection rank of h; lower is better.
func HealthRank(h AgentHealth) int {
	if r, ok := healthRank[h]; ok {
		return r
	}
	return len(healthRank)
}

// TaskStatus is the task state machine position.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Task transitions: pending → running → terminal, with paused reachable
// from running and returning to running or cancelled.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPending:   true, // assignment rolled back, agent vanished before start
		StatusPaused:    true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
}

func IsTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// TaskPriority orders queue selection, highest first.
type TaskPriority string

const (
	PriorityCritical    TaskPriority = "critical"
	PriorityHigh        TaskPriority = "high"
	PriorityNormal      TaskPriority = "normal"
	PriorityLow         TaskPriority = "low"
	PriorityMaintenance TaskPriority = "maintenance"
)

// priorityRank: lower rank schedules first.
var priorityRank = map[TaskPriority]int{
	PriorityCritical:    0,
	PriorityHigh:        1,
	PriorityNormal:      2,
	PriorityLow:         3,
	PriorityMaintenance: 4,
}

func IsValidPriority(p TaskPriority) bool {
	_, ok := priorityRank[p]
	return ok
}

// PriorityRank returns the scheduling rank of p; lower runs first.
func PriorityRank(p TaskPriority) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Promote lifts a priority one tier toward critical. Used by the
// scheduler's starvation-avoidance pass.
func Promote(p TaskPriority) TaskPriority {
	switch p {
	case PriorityMaintenance:
		return PriorityLow
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return p
	}
}

// PairState tracks one (agent, task) pair through stuck detection.
type PairState string

const (
	PairWatching      PairState = "watching"
	PairStuckDetected PairState = "stuck_detected"
	PairRecovering    PairState = "recovering"
	PairRecovered     PairState = "recovered"
	PairExhausted     PairState = "exhausted"
)

var validPairTransitions = map[PairState]map[PairState]bool{
	PairWatching: {
		PairStuckDetected: true,
	},
	PairStuckDetected: {
		PairRecovering: true,
		PairExhausted:  true,
	},
	PairRecovering: {
		PairRecovered:     true,
		PairStuckDetected: true, // action failed, try next rung
		PairExhausted:     true,
	},
	PairRecovered: {
		PairWatching: true,
	},
}

func ValidatePairTransition(from, to PairState) error {
	if from == PairExhausted {
		return fmt.Errorf("cannot transition from terminal pair state %q", from)
	}
	allowed, ok := validPairTransitions[from]
	if !ok {
		return fmt.Errorf("unknown pair state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid pair transition: %q → %q", from, to)
	}
	return nil
}

// RecoveryOutcome is the result of one recovery attempt.
type RecoveryOutcome string

const (
	OutcomeSuccess RecoveryOutcome = "success"
	OutcomeFailure RecoveryOutcome = "failure"
	OutcomeSkipped RecoveryOutcome = "skipped"
)
