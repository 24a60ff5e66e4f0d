package model

import "time"

// RecoveryAttempt is one escalation action taken against a stuck
// (agent, task) pair.
type RecoveryAttempt struct {
	ID            string          `json:"id"`
	AgentName     string          `json:"agent_name"`
	TaskID        string          `json:"task_id"`
	Action        string          `json:"action"`
	StartedAt     time.Time       `json:"started_at"`
	Outcome       RecoveryOutcome `json:"outcome"`
	CooldownUntil time.Time       `json:"cooldown_until"`
	Detail        string          `json:"detail,omitempty"`
}

// RecoveryStats are running totals maintained for observability.
type RecoveryStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Skips     int `json:"skips"`
	Exhausted int `json:"exhausted"`
}

// RunRecord is one completed execution, persisted to history. The
// constraint engine consults these to enforce anti-pattern rules.
type RunRecord struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Mode      string        `json:"mode"`
	AgentName string        `json:"agent_name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
}
