package ipc

import (
	"github.com/fleetd/fleetd/internal/model"
)

// Typed command payloads shared by the daemon handlers and the CLI.

type SubmitTaskParams struct {
	Task model.ScheduleTask `json:"task"`
}

type SubmitTaskResult struct {
	TaskID string `json:"task_id"`
}

type CancelTaskParams struct {
	TaskID string `json:"task_id"`
}

type UpdateStatusParams struct {
	TaskID string           `json:"task_id"`
	Status model.TaskStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

type ReportProgressParams struct {
	TaskID string `json:"task_id"`
	Detail string `json:"detail,omitempty"`
}

type ListTasksParams struct {
	Filter model.TaskFilter `json:"filter"`
}

type RegisterAgentParams struct {
	Descriptor model.AgentDescriptor `json:"descriptor"`
}

type UnregisterAgentParams struct {
	Name string `json:"name"`
}

type HeartbeatParams struct {
	Name  string           `json:"name"`
	State model.AgentState `json:"state,omitempty"`
	Mode  string           `json:"mode,omitempty"`
}

type ListAgentsParams struct {
	Filter model.AgentFilter `json:"filter"`
}

type RecoveryTimelineParams struct {
	Limit int `json:"limit,omitempty"`
}

type PingResult struct {
	Fleet     string `json:"fleet"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_sec"`
	Agents    int    `json:"agents"`
	Tasks     int    `json:"tasks"`
}
