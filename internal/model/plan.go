package model

import (
	"fmt"
	"time"
)

// FleetPlan is the static configuration artifact declaring the expected
// fleet, schedule windows, and global constraints. Loaded at startup and
// on explicit reload; never mutated by the core at runtime.
type FleetPlan struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Version       string `yaml:"version"`

	Fleet      FleetConfig               `yaml:"fleet"`
	Agents     []PlannedAgent            `yaml:"agents"`
	Windows    map[string]ScheduleWindow `yaml:"windows,omitempty"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	Recovery   RecoveryConfig            `yaml:"recovery"`
	Daemon     DaemonConfig              `yaml:"daemon"`
	Logging    LoggingConfig             `yaml:"logging"`
	Monitoring MonitoringConfig          `yaml:"monitoring,omitempty"`
}

type FleetConfig struct {
	Name              string        `yaml:"name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	Retention         time.Duration `yaml:"retention"`

	// Health thresholds applied when recomputing agent health.
	WarningErrorCount  int           `yaml:"warning_error_count"`
	CriticalErrorCount int           `yaml:"critical_error_count"`
	WarningLatency     time.Duration `yaml:"warning_latency"`
}

// PlannedAgent declares one agent expected to exist, with its default
// scheduling preferences.
type PlannedAgent struct {
	Name            string           `yaml:"name"`
	Machine         string           `yaml:"machine"`
	Window          string           `yaml:"window"`
	Capabilities    []string         `yaml:"capabilities,omitempty"`
	DefaultPriority TaskPriority     `yaml:"default_priority,omitempty"`
	AutoStart       bool             `yaml:"auto_start"`
	PreferredHours  []ScheduleWindow `yaml:"preferred_hours,omitempty"`
	AvoidHours      []ScheduleWindow `yaml:"avoid_hours,omitempty"`
	MaxDailyRuntime time.Duration    `yaml:"max_daily_runtime,omitempty"`
	Cooldown        time.Duration    `yaml:"cooldown,omitempty"`
}

type SchedulerConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	StarvationMaxAge time.Duration `yaml:"starvation_max_age"`
	MaxTaskErrors    int           `yaml:"max_task_errors"`
	MaxAgentErrors   int           `yaml:"max_agent_errors"`
	HistoryDepth     int           `yaml:"history_depth"`
}

type RecoveryConfig struct {
	StallThreshold     time.Duration            `yaml:"stall_threshold"`
	ModeStallThreshold map[string]time.Duration `yaml:"mode_stall_threshold,omitempty"`
	VerifyWindow       time.Duration            `yaml:"verify_window"`
	Ladder             []LadderRung             `yaml:"ladder"`
}

// LadderRung is one step of the escalation ladder, least disruptive
// first. Cooldown applies per (agent, action).
type LadderRung struct {
	Action   string        `yaml:"action"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type DaemonConfig struct {
	DataDir         string        `yaml:"data_dir"`
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MonitoringConfig struct {
	EventBufferSize int `yaml:"event_buffer_size"`
}

// Defaults applied by Normalize when the plan omits a value.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultLivenessTimeout   = 30 * time.Second
	DefaultRetention         = 24 * time.Hour
	DefaultTickInterval      = 5 * time.Second
	DefaultStarvationMaxAge  = 10 * time.Minute
	DefaultMaxTaskErrors     = 3
	DefaultMaxAgentErrors    = 5
	DefaultStallThreshold    = 2 * time.Minute
	DefaultVerifyWindow      = 30 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultListenAddr        = "127.0.0.1:7410"
)

// Normalize fills zero values with defaults.
func (p *FleetPlan) Normalize() {
	if p.Fleet.HeartbeatInterval <= 0 {
		p.Fleet.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if p.Fleet.LivenessTimeout <= 0 {
		p.Fleet.LivenessTimeout = DefaultLivenessTimeout
	}
	if p.Fleet.Retention <= 0 {
		p.Fleet.Retention = DefaultRetention
	}
	if p.Fleet.WarningErrorCount <= 0 {
		p.Fleet.WarningErrorCount = 3
	}
	if p.Fleet.CriticalErrorCount <= 0 {
		p.Fleet.CriticalErrorCount = 10
	}
	if p.Scheduler.TickInterval <= 0 {
		p.Scheduler.TickInterval = DefaultTickInterval
	}
	if p.Scheduler.StarvationMaxAge <= 0 {
		p.Scheduler.StarvationMaxAge = DefaultStarvationMaxAge
	}
	if p.Scheduler.MaxTaskErrors <= 0 {
		p.Scheduler.MaxTaskErrors = DefaultMaxTaskErrors
	}
	if p.Scheduler.MaxAgentErrors <= 0 {
		p.Scheduler.MaxAgentErrors = DefaultMaxAgentErrors
	}
	if p.Recovery.StallThreshold <= 0 {
		p.Recovery.StallThreshold = DefaultStallThreshold
	}
	if p.Recovery.VerifyWindow <= 0 {
		p.Recovery.VerifyWindow = DefaultVerifyWindow
	}
	if p.Daemon.ShutdownTimeout <= 0 {
		p.Daemon.ShutdownTimeout = DefaultShutdownTimeout
	}
	if p.Daemon.ListenAddr == "" {
		p.Daemon.ListenAddr = DefaultListenAddr
	}
	if p.Logging.Level == "" {
		p.Logging.Level = "info"
	}
	if p.Monitoring.EventBufferSize <= 0 {
		p.Monitoring.EventBufferSize = 100
	}
}

// Validate checks internal consistency of the plan.
func (p *FleetPlan) Validate() error {
	seen := make(map[string]bool, len(p.Agents))
	for i := range p.Agents {
		a := &p.Agents[i]
		if !agentNameRegex.MatchString(a.Name) {
			return fmt.Errorf("agents[%d]: invalid name %q", i, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate planned agent %q", a.Name)
		}
		seen[a.Name] = true
		if a.DefaultPriority != "" && !IsValidPriority(a.DefaultPriority) {
			return fmt.Errorf("agent %s: invalid default_priority %q", a.Name, a.DefaultPriority)
		}
		for _, w := range a.PreferredHours {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("agent %s: preferred_hours: %w", a.Name, err)
			}
		}
		for _, w := range a.AvoidHours {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("agent %s: avoid_hours: %w", a.Name, err)
			}
		}
	}
	for name, w := range p.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("window %s: %w", name, err)
		}
	}
	rungs := make(map[string]bool, len(p.Recovery.Ladder))
	for i, r := range p.Recovery.Ladder {
		if r.Action == "" {
			return fmt.Errorf("recovery.ladder[%d]: action is required", i)
		}
		if rungs[r.Action] {
			return fmt.Errorf("recovery.ladder: duplicate action %q", r.Action)
		}
		rungs[r.Action] = true
		if r.Cooldown <= 0 {
			return fmt.Errorf("recovery.ladder[%d]: cooldown must be positive", i)
		}
	}
	return nil
}

// PlannedAgentByName returns the plan entry for name, or nil.
func (p *FleetPlan) PlannedAgentByName(name string) *PlannedAgent {
	for i := range p.Agents {
		if p.Agents[i].Name == name {
			return &p.Agents[i]
		}
	}
	return nil
}

// StallThresholdFor returns the stall threshold for a mode, falling back
// to the global default.
func (p *FleetPlan) StallThresholdFor(mode string) time.Duration {
	if d, ok := p.Recovery.ModeStallThreshold[mode]; ok && d > 0 {
		return d
	}
	return p.Recovery.StallThreshold
}
