// Package daemon wires the registry, scheduler, constraint engine, and
// recovery subsystem into the long-running fleetd process: one
// scheduling tick loop, one liveness sweep loop, a plan file watcher,
// the IPC control socket, and the HTTP/websocket surface.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/fleetd/fleetd/internal/api"
	"github.com/fleetd/fleetd/internal/constraint"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/fleetplan"
	"github.com/fleetd/fleetd/internal/history"
	"github.com/fleetd/fleetd/internal/ipc"
	"github.com/fleetd/fleetd/internal/lock"
	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
	"github.com/fleetd/fleetd/internal/recovery"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/scheduler"
)

// Daemon is the fleetd orchestrator process.
type Daemon struct {
	stateDir string
	version  string
	planMgr  *fleetplan.Manager

	log     *logx.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	bus      *events.Bus
	hist     *history.SQLiteStore
	registry *registry.Registry
	sched    *scheduler.Scheduler
	rec      *recovery.Subsystem
	hub      *api.Hub
	apiSrv   *api.Server
	ipcSrv   *ipc.Server
	watcher  *fsnotify.Watcher

	startedAt time.Time
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// New builds a daemon rooted at stateDir, loading the plan from
// planPath. The daemon logs to <stateDir>/logs/fleetd.log.
func New(stateDir, planPath, version string) (*Daemon, error) {
	planMgr, err := fleetplan.NewManager(planPath)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(stateDir, "logs", "fleetd.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(stateDir, version, planMgr, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir, version string, planMgr *fleetplan.Manager, w io.Writer, closer io.Closer) (*Daemon, error) {
	plan := planMgr.Current()

	level := logx.ParseLevel(plan.Logging.Level)
	base := log.New(w, "", 0)
	logger := logx.New(base, level, "daemon")

	bus := events.NewBus(plan.Monitoring.EventBufferSize)

	d := &Daemon{
		stateDir:  stateDir,
		version:   version,
		planMgr:   planMgr,
		log:       logger,
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(stateDir, "fleetd.lock")),
		bus:       bus,
		startedAt: time.Now(),
	}

	planFn := planMgr.Current

	hist, err := history.NewSQLiteStore(filepath.Join(stateDir, "history.db"), logger.WithComponent("history"))
	if err != nil {
		return nil, err
	}
	if err := hist.Migrate(); err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	d.hist = hist

	d.registry = registry.New(registry.PlanSource(planFn), bus, logger.WithComponent("registry"))

	engine := constraint.New(constraint.PlanSource(planFn))
	d.sched = scheduler.New(d.registry, engine, hist, scheduler.PlanSource(planFn), bus, logger.WithComponent("scheduler"))

	d.hub = api.NewHub(d.sched, d.registry, logger.WithComponent("stream"))
	d.rec = recovery.New(recovery.PlanSource(planFn), d.hub, hist, bus, logger.WithComponent("recovery"))

	// Cross-component wiring: each owner mutates only its own state and
	// the rest arrives through callbacks.
	d.registry.SetOnAgentRemoved(d.sched.FailTasksForAgent)
	d.registry.SetOnAgentActivity(d.rec.AgentActivity)
	d.sched.SetPairWatcher(d.rec)
	d.sched.SetStopSignaler(d.hub)
	d.rec.SetOnExhausted(d.sched.HandleRecoveryExhausted)
	d.rec.SetOnDowngrade(d.registry.Downgrade)

	d.ipcSrv = ipc.NewServer(filepath.Join(stateDir, ipc.DefaultSocketName), logger.WithComponent("ipc"))
	d.apiSrv = api.NewServer(plan.Daemon.ListenAddr, d.registry, d.sched, d.rec,
		api.PlanReader(planFn), d.hub, logger.WithComponent("api"))

	return d, nil
}

// Run starts every loop and blocks until ctx is cancelled or a fatal
// component error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer d.cleanup()

	d.log.Infof("daemon_starting pid=%d version=%s plan=%s", os.Getpid(), d.version, d.planMgr.Path())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancel = cancel

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plan watcher: %w", err)
	}
	d.watcher = watcher
	// Watch the directory: editors and atomic saves replace the file,
	// which drops a watch set on the file itself.
	if err := watcher.Add(filepath.Dir(d.planMgr.Path())); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch plan dir: %w", err)
	}

	d.registry.SyncPlan()
	d.registerHandlers()
	if err := d.ipcSrv.Start(); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("start ipc server: %w", err)
	}

	plan := d.planMgr.Current()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.tickLoop(gctx, plan.Scheduler.TickInterval) })
	g.Go(func() error { return d.sweepLoop(gctx, plan.Fleet.HeartbeatInterval) })
	g.Go(func() error { return d.planWatchLoop(gctx) })
	g.Go(func() error { return d.apiSrv.Run(gctx, plan.Daemon.ShutdownTimeout) })

	d.log.Infof("daemon_ready fleet=%s listen=%s", plan.Fleet.Name, plan.Daemon.ListenAddr)

	err = g.Wait()
	d.stop()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Shutdown requests a graceful stop. Safe to call from any goroutine.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

// tickLoop drives scheduling and stuck detection.
func (d *Daemon) tickLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.sched.Tick(now)
			d.rec.Check(ctx, now)
		}
	}
}

// sweepLoop owns liveness downgrades and retention pruning.
func (d *Daemon) sweepLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.registry.MarkOfflineIfStale(now)
			d.sched.PruneTerminal(now)
			retention := d.planMgr.Current().Fleet.Retention
			if retention > 0 {
				if err := d.hist.PruneRuns(now.Add(-retention)); err != nil {
					d.log.Errorf("history_prune error=%v", err)
				}
			}
		}
	}
}

// planWatchLoop reloads the plan when its file changes on disk.
func (d *Daemon) planWatchLoop(ctx context.Context) error {
	planFile := filepath.Base(d.planMgr.Path())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != planFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.reloadPlan("file change")
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Errorf("plan_watch error=%v", err)
		}
	}
}

// reloadPlan swaps in a new plan; a plan that fails validation keeps
// the previous one active.
func (d *Daemon) reloadPlan(trigger string) *model.FleetPlan {
	plan, err := d.planMgr.Reload()
	if err != nil {
		d.log.Errorf("plan_reload trigger=%q error=%v", trigger, err)
		return nil
	}
	d.registry.SyncPlan()
	d.log.Infof("plan_reloaded trigger=%q version=%s agents=%d", trigger, plan.Version, len(plan.Agents))
	d.bus.Publish(events.EventPlanReloaded, map[string]any{"version": plan.Version})
	return plan
}

func (d *Daemon) stop() {
	d.stopOnce.Do(func() {
		d.log.Infof("daemon_stopping")
		if d.ipcSrv != nil {
			_ = d.ipcSrv.Stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		d.bus.Close()
		if d.hist != nil {
			_ = d.hist.Close()
		}
		d.log.Infof("daemon_stopped")
	})
}

func (d *Daemon) cleanup() {
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
