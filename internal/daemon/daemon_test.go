package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/internal/fleetplan"
	"github.com/fleetd/fleetd/internal/ipc"
	"github.com/fleetd/fleetd/internal/model"
)

type testDaemon struct {
	d      *Daemon
	client *ipc.Client
	dir    string
	cancel context.CancelFunc
	runErr chan error
}

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	// /tmp keeps the socket path under the Unix limit.
	dir, err := os.MkdirTemp("/tmp", "fleetd-daemon-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	plan := fleetplan.Default("testfleet")
	plan.Daemon.ListenAddr = "127.0.0.1:0"
	plan.Scheduler.TickInterval = 50 * time.Millisecond
	plan.Fleet.HeartbeatInterval = 50 * time.Millisecond
	planPath := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, fleetplan.Save(planPath, plan))

	planMgr, err := fleetplan.NewManager(planPath)
	require.NoError(t, err)

	d, err := newDaemon(dir, "test", planMgr, &bytes.Buffer{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	client := ipc.NewClient(filepath.Join(dir, ipc.DefaultSocketName))
	client.SetTimeout(2 * time.Second)

	require.Eventually(t, func() bool {
		resp, err := client.SendCommand(ipc.CmdPing, nil)
		return err == nil && resp.Success
	}, 5*time.Second, 20*time.Millisecond, "daemon did not come up")

	td := &testDaemon{d: d, client: client, dir: dir, cancel: cancel, runErr: runErr}
	t.Cleanup(func() {
		cancel()
		select {
		case <-td.runErr:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return td
}

func (td *testDaemon) send(t *testing.T, cmd string, params any) *ipc.Response {
	t.Helper()
	resp, err := td.client.SendCommand(cmd, params)
	require.NoError(t, err)
	return resp
}

func TestPingReportsFleet(t *testing.T) {
	td := startTestDaemon(t)

	resp := td.send(t, ipc.CmdPing, nil)
	require.True(t, resp.Success)

	var ping ipc.PingResult
	require.NoError(t, json.Unmarshal(resp.Data, &ping))
	assert.Equal(t, "testfleet", ping.Fleet)
	assert.Equal(t, "test", ping.Version)
}

func TestAgentAndTaskRoundTrip(t *testing.T) {
	td := startTestDaemon(t)

	resp := td.send(t, ipc.CmdRegisterAgent, ipc.RegisterAgentParams{
		Descriptor: model.AgentDescriptor{
			Name: "alpha", Machine: "m1", Window: "w1", Capabilities: []string{"farming"},
		},
	})
	require.True(t, resp.Success, "register: %+v", resp.Error)

	// Duplicate registration of a live agent is rejected.
	resp = td.send(t, ipc.CmdRegisterAgent, ipc.RegisterAgentParams{
		Descriptor: model.AgentDescriptor{Name: "alpha", Machine: "m1", Window: "w1"},
	})
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeDuplicate, resp.Error.Code)

	resp = td.send(t, ipc.CmdSubmitTask, ipc.SubmitTaskParams{
		Task: model.ScheduleTask{Mode: "farming", Priority: model.PriorityNormal},
	})
	require.True(t, resp.Success, "submit: %+v", resp.Error)

	var submitted ipc.SubmitTaskResult
	require.NoError(t, json.Unmarshal(resp.Data, &submitted))
	require.NotEmpty(t, submitted.TaskID)

	// The tick loop assigns the task to the registered agent.
	require.Eventually(t, func() bool {
		resp := td.send(t, ipc.CmdListTasks, nil)
		if !resp.Success {
			return false
		}
		var out struct {
			Tasks []model.ScheduleTask `json:"tasks"`
		}
		if err := json.Unmarshal(resp.Data, &out); err != nil || len(out.Tasks) != 1 {
			return false
		}
		return out.Tasks[0].Status == model.StatusRunning && out.Tasks[0].AssignedAgent == "alpha"
	}, 5*time.Second, 20*time.Millisecond)

	resp = td.send(t, ipc.CmdUpdateStatus, ipc.UpdateStatusParams{
		TaskID: submitted.TaskID, Status: model.StatusCompleted,
	})
	require.True(t, resp.Success, "update_status: %+v", resp.Error)

	resp = td.send(t, ipc.CmdListAgents, nil)
	require.True(t, resp.Success)
	var agents struct {
		Agents []model.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, model.AgentStateIdle, agents.Agents[0].State)
}

func TestCancelUnknownTask(t *testing.T) {
	td := startTestDaemon(t)

	resp := td.send(t, ipc.CmdCancelTask, ipc.CancelTaskParams{TaskID: "task_0000000000_deadbeef"})
	require.False(t, resp.Success)
	assert.Equal(t, ipc.ErrCodeNotFound, resp.Error.Code)
}

func TestReloadPlanCommand(t *testing.T) {
	td := startTestDaemon(t)

	plan := fleetplan.Default("testfleet")
	plan.Daemon.ListenAddr = "127.0.0.1:0"
	plan.Version = "2"
	plan.Agents = []model.PlannedAgent{{Name: "bravo", Machine: "m2", Window: "w2", AutoStart: true}}
	require.NoError(t, fleetplan.Save(filepath.Join(td.dir, "fleet.yaml"), plan))

	resp := td.send(t, ipc.CmdReloadPlan, nil)
	require.True(t, resp.Success, "reload: %+v", resp.Error)

	// Auto-start planned agents appear as offline placeholders.
	resp = td.send(t, ipc.CmdListAgents, nil)
	var agents struct {
		Agents []model.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "bravo", agents.Agents[0].Name)
	assert.Equal(t, model.AgentStateOffline, agents.Agents[0].State)
}

func TestShutdownCommand(t *testing.T) {
	td := startTestDaemon(t)

	resp := td.send(t, ipc.CmdShutdown, nil)
	require.True(t, resp.Success)

	select {
	case err := <-td.runErr:
		assert.NoError(t, err)
		td.runErr <- nil // cleanup drains this channel again
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestRecoveryStatusEmpty(t *testing.T) {
	td := startTestDaemon(t)

	resp := td.send(t, ipc.CmdRecoveryStatus, nil)
	require.True(t, resp.Success)

	var out struct {
		Stats model.RecoveryStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Zero(t, out.Stats.Attempts)
}
