package model

import "testing"

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		{"pending to running", StatusPending, StatusRunning, false},
		{"pending to cancelled", StatusPending, StatusCancelled, false},
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"running to completed", StatusRunning, StatusCompleted, false},
		{"running to failed", StatusRunning, StatusFailed, false},
		{"running to paused", StatusRunning, StatusPaused, false},
		{"paused to running", StatusPaused, StatusRunning, false},
		{"paused to cancelled", StatusPaused, StatusCancelled, false},
		{"paused to completed", StatusPaused, StatusCompleted, true},
		{"completed is terminal", StatusCompleted, StatusRunning, true},
		{"failed is terminal", StatusFailed, StatusPending, true},
		{"cancelled is terminal", StatusCancelled, StatusRunning, true},
		{"unknown status", TaskStatus("bogus"), StatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTaskTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePairTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    PairState
		to      PairState
		wantErr bool
	}{
		{"watching to stuck", PairWatching, PairStuckDetected, false},
		{"stuck to recovering", PairStuckDetected, PairRecovering, false},
		{"stuck to exhausted", PairStuckDetected, PairExhausted, false},
		{"recovering to recovered", PairRecovering, PairRecovered, false},
		{"recovering back to stuck", PairRecovering, PairStuckDetected, false},
		{"recovered to watching", PairRecovered, PairWatching, false},
		{"watching to recovering skips detection", PairWatching, PairRecovering, true},
		{"exhausted is terminal", PairExhausted, PairWatching, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePairTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePairTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	order := []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityMaintenance}
	for i := 1; i < len(order); i++ {
		if PriorityRank(order[i-1]) >= PriorityRank(order[i]) {
			t.Errorf("expected %q to rank before %q", order[i-1], order[i])
		}
	}
	if PriorityRank(TaskPriority("bogus")) <= PriorityRank(PriorityMaintenance) {
		t.Error("unknown priority should rank last")
	}
}

func TestPromote(t *testing.T) {
	tests := []struct {
		in   TaskPriority
		want TaskPriority
	}{
		{PriorityMaintenance, PriorityLow},
		{PriorityLow, PriorityNormal},
		{PriorityNormal, PriorityHigh},
		{PriorityHigh, PriorityCritical},
		{PriorityCritical, PriorityCritical},
	}
	for _, tt := range tests {
		if got := Promote(tt.in); got != tt.want {
			t.Errorf("Promote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHealthRankOrdering(t *testing.T) {
	if HealthRank(HealthHealthy) >= HealthRank(HealthWarning) {
		t.Error("healthy should rank before warning")
	}
	if HealthRank(HealthWarning) >= HealthRank(HealthUnknown) {
		t.Error("warning should rank before unknown")
	}
	if HealthRank(HealthUnknown) >= HealthRank(HealthCritical) {
		t.Error("unknown should rank before critical")
	}
}
