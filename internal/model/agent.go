package model

import (
	"fmt"
	"regexp"
	"time"
)

var agentNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// Agent is one worker process bound to a machine/window pair.
type Agent struct {
	Name         string      `json:"name"`
	Machine      string      `json:"machine"`
	Window       string      `json:"window"`
	State        AgentState  `json:"state"`
	Health       AgentHealth `json:"health"`
	Capabilities []string    `json:"capabilities"`
	CurrentMode  string      `json:"current_mode,omitempty"`
	CurrentTask  string      `json:"current_task,omitempty"`

	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastAssigned  time.Time         `json:"last_assigned,omitempty"`
	Uptime        time.Duration     `json:"uptime"`
	ErrorCount    int               `json:"error_count"`
	LastError     string            `json:"last_error,omitempty"`
	SessionData   map[string]string `json:"session_data,omitempty"`
}

// HasCapabilities reports whether the agent's capability set is a
// superset of required.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to readers.
func (a *Agent) Clone() *Agent {
	dup := *a
	dup.Capabilities = append([]string(nil), a.Capabilities...)
	if a.SessionData != nil {
		dup.SessionData = make(map[string]string, len(a.SessionData))
		for k, v := range a.SessionData {
			dup.SessionData[k] = v
		}
	}
	return &dup
}

// AgentDescriptor is the registration payload.
type AgentDescriptor struct {
	Name         string            `json:"name" yaml:"name"`
	Machine      string            `json:"machine" yaml:"machine"`
	Window       string            `json:"window" yaml:"window"`
	Capabilities []string          `json:"capabilities" yaml:"capabilities"`
	SessionData  map[string]string `json:"session_data,omitempty" yaml:"session_data,omitempty"`
}

func (d *AgentDescriptor) Validate() error {
	if !agentNameRegex.MatchString(d.Name) {
		return fmt.Errorf("invalid agent name %q", d.Name)
	}
	if d.Machine == "" {
		return fmt.Errorf("agent %s: machine is required", d.Name)
	}
	if d.Window == "" {
		return fmt.Errorf("agent %s: window is required", d.Name)
	}
	if err := ValidateKV(d.SessionData); err != nil {
		return fmt.Errorf("agent %s: session_data: %w", d.Name, err)
	}
	return nil
}

// AgentFilter narrows registry listings. Zero value matches everything.
type AgentFilter struct {
	State      AgentState  `json:"state,omitempty"`
	Health     AgentHealth `json:"health,omitempty"`
	Capability string      `json:"capability,omitempty"`
}

func (f AgentFilter) Matches(a *Agent) bool {
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.Health != "" && a.Health != f.Health {
		return false
	}
	if f.Capability != "" && !a.HasCapabilities([]string{f.Capability}) {
		return false
	}
	return true
}
