package daemon

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fleetd/fleetd/internal/ipc"
	"github.com/fleetd/fleetd/internal/model"
)

// registerHandlers binds the control plane commands to the subsystems.
func (d *Daemon) registerHandlers() {
	d.ipcSrv.Handle(ipc.CmdPing, d.handlePing)
	d.ipcSrv.Handle(ipc.CmdShutdown, d.handleShutdown)
	d.ipcSrv.Handle(ipc.CmdReloadPlan, d.handleReloadPlan)
	d.ipcSrv.Handle(ipc.CmdFleetPlan, d.handleFleetPlan)

	d.ipcSrv.Handle(ipc.CmdSubmitTask, d.handleSubmitTask)
	d.ipcSrv.Handle(ipc.CmdCancelTask, d.handleCancelTask)
	d.ipcSrv.Handle(ipc.CmdUpdateStatus, d.handleUpdateStatus)
	d.ipcSrv.Handle(ipc.CmdReportProgress, d.handleReportProgress)
	d.ipcSrv.Handle(ipc.CmdListTasks, d.handleListTasks)

	d.ipcSrv.Handle(ipc.CmdRegisterAgent, d.handleRegisterAgent)
	d.ipcSrv.Handle(ipc.CmdUnregisterAgent, d.handleUnregisterAgent)
	d.ipcSrv.Handle(ipc.CmdHeartbeat, d.handleHeartbeat)
	d.ipcSrv.Handle(ipc.CmdListAgents, d.handleListAgents)

	d.ipcSrv.Handle(ipc.CmdRecoveryStatus, d.handleRecoveryStatus)
	d.ipcSrv.Handle(ipc.CmdRecoveryTimeline, d.handleRecoveryTimeline)
}

func decodeParams[T any](req *ipc.Request) (T, *ipc.Response) {
	var params T
	if len(req.Params) == 0 {
		return params, ipc.ErrorResponse(ipc.ErrCodeValidation, "missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, ipc.ErrorResponse(ipc.ErrCodeValidation, "decode params: "+err.Error())
	}
	return params, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrAgentNotFound), errors.Is(err, model.ErrTaskNotFound):
		return ipc.ErrCodeNotFound
	case errors.Is(err, model.ErrDuplicateAgent):
		return ipc.ErrCodeDuplicate
	case errors.Is(err, model.ErrCapabilityMismatch):
		return ipc.ErrCodeValidation
	default:
		return ipc.ErrCodeValidation
	}
}

func (d *Daemon) handlePing(req *ipc.Request) *ipc.Response {
	plan := d.planMgr.Current()
	return ipc.SuccessResponse(ipc.PingResult{
		Fleet:     plan.Fleet.Name,
		Version:   d.version,
		UptimeSec: int64(time.Since(d.startedAt).Seconds()),
		Agents:    len(d.registry.List(model.AgentFilter{})),
		Tasks:     len(d.sched.List(model.TaskFilter{})),
	})
}

func (d *Daemon) handleShutdown(req *ipc.Request) *ipc.Response {
	d.log.Infof("shutdown_requested via=ipc")
	go d.Shutdown()
	return ipc.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
}

func (d *Daemon) handleReloadPlan(req *ipc.Request) *ipc.Response {
	plan := d.reloadPlan("ipc")
	if plan == nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, "plan reload failed, previous plan kept")
	}
	return ipc.SuccessResponse(map[string]any{"version": plan.Version, "agents": len(plan.Agents)})
}

func (d *Daemon) handleFleetPlan(req *ipc.Request) *ipc.Response {
	return ipc.SuccessResponse(d.planMgr.Current())
}

func (d *Daemon) handleSubmitTask(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.SubmitTaskParams](req)
	if errResp != nil {
		return errResp
	}
	id, err := d.sched.Submit(&params.Task)
	if err != nil {
		return ipc.ErrorResponse(errorCode(err), err.Error())
	}
	return ipc.SuccessResponse(ipc.SubmitTaskResult{TaskID: id})
}

func (d *Daemon) handleCancelTask(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.CancelTaskParams](req)
	if errResp != nil {
		return errResp
	}
	if err := d.sched.Cancel(params.TaskID); err != nil {
		return ipc.ErrorResponse(errorCode(err), err.Error())
	}
	return ipc.SuccessResponse(map[string]string{"task_id": params.TaskID, "status": "cancelled"})
}

func (d *Daemon) handleUpdateStatus(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.UpdateStatusParams](req)
	if errResp != nil {
		return errResp
	}
	if err := d.sched.UpdateStatus(params.TaskID, params.Status, params.Error); err != nil {
		return ipc.ErrorResponse(errorCode(err), err.Error())
	}
	return ipc.SuccessResponse(nil)
}

func (d *Daemon) handleReportProgress(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.ReportProgressParams](req)
	if errResp != nil {
		return errResp
	}
	if err := d.sched.ReportProgress(params.TaskID, params.Detail); err != nil {
		return ipc.ErrorResponse(errorCode(err), err.Error())
	}
	return ipc.SuccessResponse(nil)
}

func (d *Daemon) handleListTasks(req *ipc.Request) *ipc.Response {
	var filter model.TaskFilter
	if len(req.Params) > 0 {
		params, errResp := decodeParams[ipc.ListTasksParams](req)
		if errResp != nil {
			return errResp
		}
		filter = params.Filter
	}
	return ipc.SuccessResponse(map[string]any{"tasks": d.sched.List(filter)})
}

func (d *Daemon) handleRegisterAgent(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.RegisterAgentParams](req)
	if errResp != nil {
		return errResp
	}
	agent, err := d.registry.Register(params.Descriptor)
	if err != nil {
		return ipc.ErrorResponse(errorCode(err), err.Error())
	}
	return ipc.SuccessResponse(agent)
}

func (d *Daemon) handleUnregisterAgent(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.UnregisterAgentParams](req)
	if errResp != nil {
		return errResp
	}
	if err := d.registry.Unregister(params.Name); err != nil {
		return ipc.ErrorResponse(errorCode(err), err.Error())
	}
	return ipc.SuccessResponse(nil)
}

func (d *Daemon) handleHeartbeat(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.HeartbeatParams](req)
	if errResp != nil {
		return errResp
	}
	agent, err := d.registry.Heartbeat(params.Name, params.State, params.Mode)
	if err != nil {
		return ipc.ErrorResponse(errorCode(err), err.Error())
	}
	return ipc.SuccessResponse(agent)
}

func (d *Daemon) handleListAgents(req *ipc.Request) *ipc.Response {
	var filter model.AgentFilter
	if len(req.Params) > 0 {
		params, errResp := decodeParams[ipc.ListAgentsParams](req)
		if errResp != nil {
			return errResp
		}
		filter = params.Filter
	}
	return ipc.SuccessResponse(map[string]any{"agents": d.registry.List(filter)})
}

func (d *Daemon) handleRecoveryStatus(req *ipc.Request) *ipc.Response {
	return ipc.SuccessResponse(map[string]any{
		"pairs": d.rec.Status(),
		"stats": d.rec.Stats(),
	})
}

func (d *Daemon) handleRecoveryTimeline(req *ipc.Request) *ipc.Response {
	limit := 0
	if len(req.Params) > 0 {
		params, errResp := decodeParams[ipc.RecoveryTimelineParams](req)
		if errResp != nil {
			return errResp
		}
		limit = params.Limit
	}
	timeline, err := d.rec.Timeline(limit)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	return ipc.SuccessResponse(map[string]any{"attempts": timeline})
}
