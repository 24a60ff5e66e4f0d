package model

import (
	"fmt"
	"regexp"
	"time"
)

const (
	maxKVEntries    = 64
	maxKVValueBytes = 4096
)

var kvKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// ValidateKV enforces the documented shape of metadata and session_data
// maps: bounded entry count, bounded values, restricted key charset.
func ValidateKV(kv map[string]string) error {
	if len(kv) > maxKVEntries {
		return fmt.Errorf("too many entries: %d (max %d)", len(kv), maxKVEntries)
	}
	for k, v := range kv {
		if !kvKeyRegex.MatchString(k) {
			return fmt.Errorf("invalid key %q", k)
		}
		if len(v) > maxKVValueBytes {
			return fmt.Errorf("value for %q exceeds %d bytes", k, maxKVValueBytes)
		}
	}
	return nil
}

// ScheduleTask is a unit of schedulable work.
type ScheduleTask struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Mode        string       `json:"mode"`
	PinnedAgent string       `json:"pinned_agent,omitempty"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`

	CreatedAt    time.Time     `json:"created_at"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
	EstimatedDur time.Duration `json:"estimated_duration,omitempty"`
	ActualDur    time.Duration `json:"actual_duration,omitempty"`

	Constraints TaskConstraints `json:"constraints"`

	// Rolling-window execution counters. Reset exactly at window boundary,
	// monotonically non-decreasing inside it.
	CurrentDailyCount  int       `json:"current_daily_count"`
	CurrentWeeklyCount int       `json:"current_weekly_count"`
	DailyWindowStart   time.Time `json:"daily_window_start,omitempty"`
	WeeklyWindowStart  time.Time `json:"weekly_window_start,omitempty"`

	AssignedAgent string            `json:"assigned_agent,omitempty"`
	ErrorCount    int               `json:"error_count"`
	LastError     string            `json:"last_error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TaskConstraints is the typed constraint payload evaluated by the
// constraint engine.
type TaskConstraints struct {
	RequiredCapabilities []string         `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Windows              []ScheduleWindow `json:"windows,omitempty" yaml:"windows,omitempty"`
	ExclusiveResource    string           `json:"exclusive_resource,omitempty" yaml:"exclusive_resource,omitempty"`
	AntiPatternRules     []AntiPattern    `json:"anti_pattern_rules,omitempty" yaml:"anti_pattern_rules,omitempty"`
	DailyCap             int              `json:"daily_cap,omitempty" yaml:"daily_cap,omitempty"`
	WeeklyCap            int              `json:"weekly_cap,omitempty" yaml:"weekly_cap,omitempty"`
}

// ScheduleWindow is a recurring daily window in which a task may start.
// Start and End are "HH:MM" wall-clock values; a window may wrap past
// midnight (Start > End).
type ScheduleWindow struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	Days  []int  `json:"days,omitempty" yaml:"days,omitempty"` // time.Weekday values; empty = every day
}

var hhmmRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func (w ScheduleWindow) Validate() error {
	if !hhmmRegex.MatchString(w.Start) {
		return fmt.Errorf("window %q: invalid start %q", w.Name, w.Start)
	}
	if !hhmmRegex.MatchString(w.End) {
		return fmt.Errorf("window %q: invalid end %q", w.Name, w.End)
	}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("window %q: invalid day %d", w.Name, d)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w ScheduleWindow) Contains(t time.Time) bool {
	if len(w.Days) > 0 {
		ok := false
		for _, d := range w.Days {
			if time.Weekday(d) == t.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	minute := t.Hour()*60 + t.Minute()
	start := parseHHMM(w.Start)
	end := parseHHMM(w.End)
	if start <= end {
		return minute >= start && minute < end
	}
	// Wraps midnight.
	return minute >= start || minute < end
}

func parseHHMM(s string) int {
	var h, m int
	fmt.Sscanf(s, "%d:%d", &h, &m)
	return h*60 + m
}

// AntiPattern expresses a behavioral-variance requirement for repeats of
// the same mode on the same agent. MinGap/MaxGap bound a randomized
// minimum spacing; MaxPerWindow caps run frequency inside Window.
type AntiPattern struct {
	Name         string        `json:"name" yaml:"name"`
	MinGap       time.Duration `json:"min_gap" yaml:"min_gap"`
	MaxGap       time.Duration `json:"max_gap" yaml:"max_gap"`
	MaxPerWindow int           `json:"max_per_window,omitempty" yaml:"max_per_window,omitempty"`
	Window       time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

func (r AntiPattern) Validate() error {
	if r.MinGap < 0 || r.MaxGap < 0 {
		return fmt.Errorf("rule %q: negative gap", r.Name)
	}
	if r.MaxGap < r.MinGap {
		return fmt.Errorf("rule %q: max_gap %s < min_gap %s", r.Name, r.MaxGap, r.MinGap)
	}
	if r.MaxPerWindow > 0 && r.Window <= 0 {
		return fmt.Errorf("rule %q: max_per_window requires a window", r.Name)
	}
	return nil
}

func (c TaskConstraints) Validate() error {
	for _, w := range c.Windows {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	for _, r := range c.AntiPatternRules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if c.DailyCap < 0 || c.WeeklyCap < 0 {
		return fmt.Errorf("negative execution cap")
	}
	return nil
}

// Validate checks the fields required at submission time.
func (t *ScheduleTask) Validate() error {
	if t.Mode == "" {
		return fmt.Errorf("task %s: mode is required", t.ID)
	}
	if !IsValidPriority(t.Priority) {
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	if err := t.Constraints.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if err := ValidateKV(t.Metadata); err != nil {
		return fmt.Errorf("task %s: metadata: %w", t.ID, err)
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (t *ScheduleTask) Clone() *ScheduleTask {
	dup := *t
	dup.Constraints.RequiredCapabilities = append([]string(nil), t.Constraints.RequiredCapabilities...)
	dup.Constraints.Windows = append([]ScheduleWindow(nil), t.Constraints.Windows...)
	dup.Constraints.AntiPatternRules = append([]AntiPattern(nil), t.Constraints.AntiPatternRules...)
	if t.Metadata != nil {
		dup.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// TaskFilter narrows task listings. Zero value matches everything.
type TaskFilter struct {
	Status TaskStatus   `json:"status,omitempty"`
	Mode   string       `json:"mode,omitempty"`
	Agent  string       `json:"agent,omitempty"`
	Prio   TaskPriority `json:"priority,omitempty"`
}

func (f TaskFilter) Matches(t *ScheduleTask) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Mode != "" && t.Mode != f.Mode {
		return false
	}
	if f.Agent != "" && t.AssignedAgent != f.Agent {
		return false
	}
	if f.Prio != "" && t.Priority != f.Prio {
		return false
	}
	return true
}
