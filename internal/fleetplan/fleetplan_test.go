package fleetplan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/internal/model"
)

func samplePlannedAgent() model.PlannedAgent {
	return model.PlannedAgent{
		Name:         "alpha",
		Machine:      "vm-1",
		Window:       "win-1",
		Capabilities: []string{"combat"},
		AutoStart:    true,
	}
}

const validPlanYAML = `
schema_version: 1
file_type: fleet_plan
version: "3"
fleet:
  name: test-fleet
  heartbeat_interval: 5s
  liveness_timeout: 30s
agents:
  - name: alpha
    machine: vm-1
    window: win-1
    capabilities: [combat, farming]
    auto_start: true
    avoid_hours:
      - start: "03:00"
        end: "05:00"
scheduler:
  tick_interval: 2s
  starvation_max_age: 5m
recovery:
  stall_threshold: 90s
  mode_stall_threshold:
    combat: 30s
  ladder:
    - action: nudge
      cooldown: 60s
    - action: restart_session
      cooldown: 300s
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	plan, err := Load(writePlan(t, validPlanYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-fleet", plan.Fleet.Name)
	assert.Equal(t, 5*time.Second, plan.Fleet.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, plan.Fleet.LivenessTimeout)
	require.Len(t, plan.Agents, 1)
	assert.Equal(t, []string{"combat", "farming"}, plan.Agents[0].Capabilities)
	require.Len(t, plan.Recovery.Ladder, 2)
	assert.Equal(t, "nudge", plan.Recovery.Ladder[0].Action)
	assert.Equal(t, 30*time.Second, plan.StallThresholdFor("combat"))
	assert.Equal(t, 90*time.Second, plan.StallThresholdFor("farming"))

	// Defaults filled for omitted sections.
	assert.Equal(t, "info", plan.Logging.Level)
	assert.Positive(t, plan.Daemon.ShutdownTimeout)
}

func TestLoadRejectsBadHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"wrong file_type", "schema_version: 1\nfile_type: queue_task\n"},
		{"missing version", "file_type: fleet_plan\n"},
		{"future version", "schema_version: 99\nfile_type: fleet_plan\n"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writePlan(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsInvalidPlan(t *testing.T) {
	content := `
schema_version: 1
file_type: fleet_plan
agents:
  - name: alpha
  - name: alpha
`
	_, err := Load(writePlan(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate planned agent")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	plan := Default("rt-fleet")
	plan.Agents = append(plan.Agents, samplePlannedAgent())

	require.NoError(t, Save(path, plan))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rt-fleet", loaded.Fleet.Name)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, "alpha", loaded.Agents[0].Name)

	// Second save creates a backup of the first.
	require.NoError(t, Save(path, plan))
	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err)
}

func TestManagerReload(t *testing.T) {
	path := writePlan(t, validPlanYAML)
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "test-fleet", m.Current().Fleet.Name)

	// Corrupt file: reload fails, previous plan stays active.
	require.NoError(t, os.WriteFile(path, []byte("file_type: fleet_plan\n"), 0644))
	_, err = m.Reload()
	assert.Error(t, err)
	assert.Equal(t, "test-fleet", m.Current().Fleet.Name)

	// Fixed file: reload picks up the change.
	fixed := validPlanYAML + "\nlogging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(fixed), 0644))
	plan, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", plan.Logging.Level)
	assert.Equal(t, "debug", m.Current().Logging.Level)
}
