package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/model"
)

// Get returns a clone of the task.
func (s *Scheduler) Get(taskID string) (*model.ScheduleTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrTaskNotFound)
	}
	return task.Clone(), nil
}

// List returns a filtered snapshot ordered by creation time, then id.
func (s *Scheduler) List(filter model.TaskFilter) []*model.ScheduleTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.ScheduleTask
	for _, task := range s.tasks {
		if filter.Matches(task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReportProgress records a liveness signal from the worker executing a
// running task and forwards it to stuck detection.
func (s *Scheduler) ReportProgress(taskID, detail string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, model.ErrTaskNotFound)
	}
	if task.Status != model.StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("task %s is %s, not running", taskID, task.Status)
	}
	now := s.now()
	s.mu.Unlock()

	s.log.Debugf("task_progress id=%s detail=%q", taskID, detail)
	if s.watcher != nil {
		s.watcher.Progress(taskID, now)
	}
	return nil
}

// UpdateStatus applies a status transition reported by the executing
// worker. A reported failure retries the task until the plan's error
// threshold, then parks it as failed.
func (s *Scheduler) UpdateStatus(taskID string, status model.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrTaskNotFound)
	}
	if err := model.ValidateTaskTransition(task.Status, status); err != nil {
		return err
	}

	now := s.now()
	switch status {
	case model.StatusCompleted:
		s.finishLocked(task, model.StatusCompleted, now, "")
		return nil

	case model.StatusFailed:
		task.ErrorCount++
		task.LastError = errMsg
		if task.ErrorCount < s.plan().Scheduler.MaxTaskErrors {
			s.rollbackLocked(task, true, errMsg, now)
			s.log.Warnf("task_retry id=%s errors=%d error=%q", task.ID, task.ErrorCount, errMsg)
			return nil
		}
		s.finishLocked(task, model.StatusFailed, now, errMsg)
		return nil

	case model.StatusCancelled:
		s.finishLocked(task, model.StatusCancelled, now, errMsg)
		return nil

	case model.StatusPaused:
		task.Status = model.StatusPaused
		s.log.Infof("task_paused id=%s agent=%s", task.ID, task.AssignedAgent)
		if s.watcher != nil {
			s.watcher.Unwatch(task.ID)
		}
		return nil

	case model.StatusRunning:
		// Resume from pause on the same agent.
		task.Status = model.StatusRunning
		s.log.Infof("task_resumed id=%s agent=%s", task.ID, task.AssignedAgent)
		if s.watcher != nil {
			s.watcher.Watch(task.AssignedAgent, task.ID, task.Mode)
		}
		return nil

	case model.StatusPending:
		s.rollbackLocked(task, false, "", now)
		s.log.Infof("task_rolled_back id=%s", task.ID)
		return nil

	default:
		return fmt.Errorf("task %s: unsupported status %q", taskID, status)
	}
}

// Cancel terminates a task from the control plane. A pending task is
// cancelled in place; a running or paused one also interrupts the
// worker and short-circuits any recovery in flight.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrTaskNotFound)
	}
	if model.IsTerminal(task.Status) {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}

	agent := task.AssignedAgent
	wasRunning := task.Status == model.StatusRunning || task.Status == model.StatusPaused
	s.finishLocked(task, model.StatusCancelled, s.now(), "cancelled by operator")

	if wasRunning && s.stopper != nil {
		s.stopper.SignalStop(agent, taskID)
	}
	return nil
}

// HandleRecoveryExhausted applies the terminal failure the recovery
// subsystem reports when its ladder is spent. The cause is
// model.ErrRecoveryExhausted, kept as an error so callers can match it.
func (s *Scheduler) HandleRecoveryExhausted(agentName, taskID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || model.IsTerminal(task.Status) {
		return
	}
	task.ErrorCount++
	task.LastError = cause.Error()
	s.finishLocked(task, model.StatusFailed, s.now(), cause.Error())
	s.log.Warnf("task_failed_recovery_exhausted id=%s agent=%s reason=%q", taskID, agentName, cause.Error())
}

// FailTasksForAgent fails every non-terminal task assigned to an agent
// that vanished. The agent is gone, so nothing is released.
func (s *Scheduler) FailTasksForAgent(agentName, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, task := range s.tasks {
		if task.AssignedAgent != agentName || model.IsTerminal(task.Status) || task.Status == model.StatusPending {
			continue
		}
		task.ErrorCount++
		task.LastError = reason
		task.Status = model.StatusFailed
		task.CompletedAt = now
		if !task.StartedAt.IsZero() {
			task.ActualDur = now.Sub(task.StartedAt)
		}
		s.log.Warnf("task_failed_agent_lost id=%s agent=%s reason=%q", task.ID, agentName, reason)
		s.bus.Publish(events.EventTaskFailed, map[string]any{"task_id": task.ID, "reason": reason})
		if s.watcher != nil {
			s.watcher.Unwatch(task.ID)
		}
	}
}

// PruneTerminal drops terminal tasks older than the retention horizon.
func (s *Scheduler) PruneTerminal(now time.Time) int {
	retention := s.plan().Fleet.Retention
	if retention <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, task := range s.tasks {
		if model.IsTerminal(task.Status) && !task.CompletedAt.IsZero() && now.Sub(task.CompletedAt) > retention {
			delete(s.tasks, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debugf("tasks_pruned count=%d", n)
	}
	return n
}

// finishLocked moves a task to a terminal state, releases its agent,
// records the run, and stops stuck detection. Caller holds the lock.
func (s *Scheduler) finishLocked(task *model.ScheduleTask, status model.TaskStatus, now time.Time, errMsg string) {
	hadAgent := task.AssignedAgent != ""
	agent := task.AssignedAgent
	started := task.StartedAt

	task.Status = status
	task.CompletedAt = now
	if !started.IsZero() {
		task.ActualDur = now.Sub(started)
	}
	if errMsg != "" {
		task.LastError = errMsg
	}

	if hadAgent {
		s.registry.Release(agent, status == model.StatusFailed, errMsg)
		if !started.IsZero() {
			rec := model.RunRecord{
				TaskID:    task.ID,
				Mode:      task.Mode,
				AgentName: agent,
				StartedAt: started,
				Duration:  now.Sub(started),
				Success:   status == model.StatusCompleted,
			}
			if err := s.hist.RecordRun(rec); err != nil {
				s.log.Errorf("record_run task=%s error=%v", task.ID, err)
			}
		}
	}

	s.log.Infof("task_finished id=%s status=%s agent=%s duration=%s",
		task.ID, status, agent, task.ActualDur.Truncate(time.Millisecond))
	s.bus.Publish(eventForStatus(status), map[string]any{
		"task_id": task.ID, "agent": agent, "status": string(status),
	})
	if s.watcher != nil {
		s.watcher.Unwatch(task.ID)
	}
}

// rollbackLocked returns a running or paused task to pending for a
// later retry, releasing the agent it occupied. Caller holds the lock.
func (s *Scheduler) rollbackLocked(task *model.ScheduleTask, failed bool, errMsg string, now time.Time) {
	agent := task.AssignedAgent
	if agent != "" {
		s.registry.Release(agent, failed, errMsg)
		if failed && !task.StartedAt.IsZero() {
			rec := model.RunRecord{
				TaskID:    task.ID,
				Mode:      task.Mode,
				AgentName: agent,
				StartedAt: task.StartedAt,
				Duration:  now.Sub(task.StartedAt),
				Success:   false,
			}
			if err := s.hist.RecordRun(rec); err != nil {
				s.log.Errorf("record_run task=%s error=%v", task.ID, err)
			}
		}
	}

	task.Status = model.StatusPending
	task.AssignedAgent = ""
	task.StartedAt = time.Time{}
	if s.watcher != nil {
		s.watcher.Unwatch(task.ID)
	}
}

func eventForStatus(status model.TaskStatus) events.EventType {
	switch status {
	case model.StatusCompleted:
		return events.EventTaskCompleted
	case model.StatusCancelled:
		return events.EventTaskCancelled
	default:
		return events.EventTaskFailed
	}
}
