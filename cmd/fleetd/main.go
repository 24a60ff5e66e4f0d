// Command fleetd is the fleet orchestrator daemon and its control CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fleetd/fleetd/internal/daemon"
	"github.com/fleetd/fleetd/internal/fleetplan"
	"github.com/fleetd/fleetd/internal/ipc"
	"github.com/fleetd/fleetd/internal/model"
)

const version = "0.3.0"

var (
	flagDir  string
	flagPlan string
)

func main() {
	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Fleet orchestrator for autonomous worker agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDir, "dir", defaultStateDir(), "fleetd state directory")
	root.PersistentFlags().StringVar(&flagPlan, "plan", "", "fleet plan path (default <dir>/fleet.yaml)")

	root.AddCommand(
		daemonCmd(),
		pingCmd(),
		submitCmd(),
		cancelCmd(),
		tasksCmd(),
		agentsCmd(),
		registerCmd(),
		unregisterCmd(),
		heartbeatCmd(),
		planCmd(),
		recoveryCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".fleetd")
	}
	return ".fleetd"
}

func planPath() string {
	if flagPlan != "" {
		return flagPlan
	}
	return filepath.Join(flagDir, "fleet.yaml")
}

func client() *ipc.Client {
	c := ipc.NewClient(filepath.Join(flagDir, ipc.DefaultSocketName))
	c.SetTimeout(10 * time.Second)
	return c
}

// call sends one command and decodes the data payload into out.
func call(cmd string, params, out any) error {
	resp, err := client().SendCommand(cmd, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	if out != nil && resp.Data != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the fleetd daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(flagDir, 0755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}
			if _, err := os.Stat(planPath()); os.IsNotExist(err) {
				return fmt.Errorf("no fleet plan at %s, create one with: fleetd plan init", planPath())
			}

			d, err := daemon.New(flagDir, planPath(), version)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check daemon liveness and show fleet counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result ipc.PingResult
			if err := call(ipc.CmdPing, nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func submitCmd() *cobra.Command {
	var (
		name     string
		mode     string
		priority string
		pin      string
		caps     []string
		daily    int
		weekly   int
		at       string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			task := model.ScheduleTask{
				Name:        name,
				Mode:        mode,
				Priority:    model.TaskPriority(priority),
				PinnedAgent: pin,
				Constraints: model.TaskConstraints{
					RequiredCapabilities: caps,
					DailyCap:             daily,
					WeeklyCap:            weekly,
				},
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				task.ScheduledFor = ts
			}

			var result ipc.SubmitTaskResult
			if err := call(ipc.CmdSubmitTask, ipc.SubmitTaskParams{Task: task}, &result); err != nil {
				return err
			}
			fmt.Println(result.TaskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable task name")
	cmd.Flags().StringVar(&mode, "mode", "", "behavioral mode to run (required)")
	cmd.Flags().StringVar(&priority, "priority", string(model.PriorityNormal), "critical|high|normal|low|maintenance")
	cmd.Flags().StringVar(&pin, "pin", "", "pin to a specific agent")
	cmd.Flags().StringSliceVar(&caps, "caps", nil, "required capabilities")
	cmd.Flags().IntVar(&daily, "daily-cap", 0, "max executions per day (0 = unlimited)")
	cmd.Flags().IntVar(&weekly, "weekly-cap", 0, "max executions per week (0 = unlimited)")
	cmd.Flags().StringVar(&at, "at", "", "earliest start time, RFC3339")
	_ = cmd.MarkFlagRequired("mode")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(ipc.CmdCancelTask, ipc.CancelTaskParams{TaskID: args[0]}, nil)
		},
	}
}

func tasksCmd() *cobra.Command {
	var (
		status string
		mode   string
		agent  string
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := ipc.ListTasksParams{Filter: model.TaskFilter{
				Status: model.TaskStatus(status),
				Mode:   mode,
				Agent:  agent,
			}}
			var out struct {
				Tasks []model.ScheduleTask `json:"tasks"`
			}
			if err := call(ipc.CmdListTasks, params, &out); err != nil {
				return err
			}
			return printJSON(out.Tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&mode, "mode", "", "filter by mode")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by assigned agent")
	return cmd
}

func agentsCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := ipc.ListAgentsParams{Filter: model.AgentFilter{State: model.AgentState(state)}}
			var out struct {
				Agents []model.Agent `json:"agents"`
			}
			if err := call(ipc.CmdListAgents, params, &out); err != nil {
				return err
			}
			return printJSON(out.Agents)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func registerCmd() *cobra.Command {
	var (
		name    string
		machine string
		window  string
		caps    []string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a worker agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := ipc.RegisterAgentParams{Descriptor: model.AgentDescriptor{
				Name:         name,
				Machine:      machine,
				Window:       window,
				Capabilities: caps,
			}}
			var agent model.Agent
			if err := call(ipc.CmdRegisterAgent, params, &agent); err != nil {
				return err
			}
			return printJSON(agent)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name (required)")
	cmd.Flags().StringVar(&machine, "machine", "", "machine identifier (required)")
	cmd.Flags().StringVar(&window, "window", "", "window identifier (required)")
	cmd.Flags().StringSliceVar(&caps, "caps", nil, "declared capabilities")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("machine")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func unregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <name>",
		Short: "Remove an agent from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(ipc.CmdUnregisterAgent, ipc.UnregisterAgentParams{Name: args[0]}, nil)
		},
	}
}

func heartbeatCmd() *cobra.Command {
	var (
		state string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "heartbeat <name>",
		Short: "Send one heartbeat for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := ipc.HeartbeatParams{
				Name:  args[0],
				State: model.AgentState(state),
				Mode:  mode,
			}
			var agent model.Agent
			if err := call(ipc.CmdHeartbeat, params, &agent); err != nil {
				return err
			}
			return printJSON(agent)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "self-reported state")
	cmd.Flags().StringVar(&mode, "mode", "", "currently running mode")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage the fleet plan",
	}

	var fleetName string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fleet plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(flagDir, 0755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}
			path := planPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("plan already exists at %s", path)
			}
			if err := fleetplan.Save(path, fleetplan.Default(fleetName)); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&fleetName, "fleet", "default", "fleet name")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the fleet plan file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fleetplan.Load(planPath()); err != nil {
				return err
			}
			fmt.Println("plan is valid")
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the plan currently loaded by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			var plan model.FleetPlan
			if err := call(ipc.CmdFleetPlan, nil, &plan); err != nil {
				return err
			}
			data, err := yaml.Marshal(&plan)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to reload the plan from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(ipc.CmdReloadPlan, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.AddCommand(initCmd, validateCmd, showCmd, reloadCmd)
	return cmd
}

func recoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Inspect the stuck-state recovery subsystem",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show watched pairs and attempt totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(ipc.CmdRecoveryStatus, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	var limit int
	timelineCmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show recent recovery attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Attempts []model.RecoveryAttempt `json:"attempts"`
			}
			if err := call(ipc.CmdRecoveryTimeline, ipc.RecoveryTimelineParams{Limit: limit}, &out); err != nil {
				return err
			}
			return printJSON(out.Attempts)
		},
	}
	timelineCmd.Flags().IntVar(&limit, "limit", 50, "max attempts to show")

	cmd.AddCommand(statusCmd, timelineCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetd %s\n", version)
		},
	}
}
