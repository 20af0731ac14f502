package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/ipc"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/orchestrator"
	"github.com/zjrosen/foreman/internal/paths"
	"github.com/zjrosen/foreman/internal/roles"
	"github.com/zjrosen/foreman/internal/sessions"
	"github.com/zjrosen/foreman/internal/tasks"
	"github.com/zjrosen/foreman/internal/tasks/cache"
	"github.com/zjrosen/foreman/internal/tracing"
	"github.com/zjrosen/foreman/internal/watcher"
)

// shutdownGrace bounds how long a graceful shutdown may spend stopping agents.
const shutdownGrace = 15 * time.Second

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Run the orchestrator (default command)",
	RunE:  runLaunch,
}

func init() {
	launchCmd.Flags().BoolVar(&pipeFlag, "pipe", false,
		"one-shot mode: process the current batch of ready tasks and exit")
	rootCmd.AddCommand(launchCmd)
}

// runtime bundles everything the launcher wires together.
type runtime struct {
	cfg      config.Config
	store    tasks.Client
	registry *agent.Registry
	loop     *orchestrator.Loop
	manager  *orchestrator.Manager
	sessions *sessions.Store
	tracer   *tracing.Provider
}

func runLaunch(_ *cobra.Command, _ []string) error {
	project, err := resolveProject()
	if err != nil {
		return err
	}

	stateDir := paths.StateDir(project)
	if debugFlag || os.Getenv("FOREMAN_DEBUG") != "" {
		if err := os.MkdirAll(stateDir, 0750); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}
		cleanup, err := log.Init(filepath.Join(stateDir, "foreman.log"))
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(ctx, project)
	if err != nil {
		return err
	}
	defer func() {
		rt.manager.Close()
		if rt.sessions != nil {
			_ = rt.sessions.Close()
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.tracer.Shutdown(shutdownCtx)
		done()
	}()

	if pipeFlag {
		return runPipe(ctx, rt)
	}
	return runDaemon(ctx, project, rt)
}

// buildRuntime wires the full component graph for a project.
func buildRuntime(ctx context.Context, project string) (*runtime, error) {
	cfg, err := config.Load(project)
	if err != nil {
		return nil, err
	}
	if debugFlag {
		cfg.Debug = true
	}

	rolesReg, err := loadRoles(cfg, project)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatConfig, "roles loaded", "profile", rolesReg.Profile(), "roles", len(rolesReg.IDs()))

	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = filepath.Join(paths.StateDir(project), "traces", "traces.jsonl")
	}
	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	store := tasks.NewCLIClient(project)
	issues := cache.New(store, cache.DefaultTTL)
	registry := agent.NewRegistryWithBuffer(store, cfg.EventBufferSize)

	sessStore, err := sessions.Open(paths.StateDir(project))
	if err != nil {
		log.Warn(log.CatSession, "session store unavailable, continuing without persistence", "error", err)
		sessStore = nil
	}

	signals := orchestrator.NewSignalBoard()
	complaints := orchestrator.NewComplaintBoard()
	sched := orchestrator.NewScheduler(store, issues, registry)
	spawner := orchestrator.NewAgentSpawner(cfg, rolesReg, store, registry)
	lifecycle := orchestrator.NewLifecycle(store, issues, registry, signals, rolesReg, spawner)
	manager := orchestrator.NewManager(ctx, registry, store, lifecycle, complaints, rolesReg, sessStore, project, func() {})
	loop := orchestrator.NewLoop(cfg, store, issues, registry, rolesReg, sched, signals, complaints, lifecycle, spawner, manager)

	if cfg.AutoProcessReadyTasks {
		loop.SetEngine(orchestrator.NewAutonomousEngine(loop))
	} else {
		loop.SetEngine(orchestrator.NewInteractiveEngine(loop))
	}

	return &runtime{
		cfg:      cfg,
		store:    store,
		registry: registry,
		loop:     loop,
		manager:  manager,
		sessions: sessStore,
		tracer:   tracer,
	}, nil
}

// runDaemon runs the loop, IPC server, and store watcher until interrupted.
func runDaemon(ctx context.Context, project string, rt *runtime) error {
	server := ipc.NewServer(paths.ControlSocket(project), ipc.NewHandler(rt.loop, rt.registry, rt.store))
	if err := server.Start(ctx); err != nil {
		return err
	}

	w, err := watcher.New(watcher.DefaultConfig(paths.TaskStoreDir(project)))
	if err != nil {
		return fmt.Errorf("creating store watcher: %w", err)
	}
	changes, err := w.Start()
	if err != nil {
		// The store dir may not exist yet; run without wake-on-change.
		log.Warn(log.CatWatcher, "store watcher disabled", "error", err)
	} else {
		go func() {
			for range changes {
				rt.loop.Wake()
			}
		}()
	}

	rt.loop.Start(ctx)
	log.Info(log.CatLoop, "foreman running", "project", project, "socket", paths.ControlSocket(project))

	<-ctx.Done()

	log.Info(log.CatLoop, "shutting down")
	server.Stop()
	_ = w.Stop()
	rt.loop.Stop()

	stopCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	if stopped := rt.loop.StopAllAgentsAndPause(stopCtx); stopped > 0 {
		log.Info(log.CatLoop, "stopped remaining agents", "count", stopped)
	}
	return nil
}

// runPipe processes one batch of ready tasks to completion and prints a
// summary. The periodic loop never starts; lifecycle follow-ups are driven
// entirely by agent events.
func runPipe(ctx context.Context, rt *runtime) error {
	// One-shot runs are always autonomous; there is nobody to approve queues.
	rt.loop.SetEngine(orchestrator.NewAutonomousEngine(rt.loop))

	started, err := rt.loop.StartTasks(ctx, rt.cfg.MaxWorkers)
	if err != nil {
		return err
	}
	if started == 0 {
		// Quiet window, then retry once: external writers may be mid-commit.
		quiet := quietWindow(rt.cfg.PollInterval())
		select {
		case <-time.After(quiet):
		case <-ctx.Done():
			return ctx.Err()
		}
		started, err = rt.loop.StartTasks(ctx, rt.cfg.MaxWorkers)
		if err != nil {
			return err
		}
	}
	if started == 0 {
		fmt.Println("no ready tasks to process")
		return nil
	}

	// Record which tasks were claimed before waiting for quiescence.
	taskIDs := make(map[string]bool)
	for _, s := range rt.registry.ListActiveSummaries() {
		if s.TaskID != "" {
			taskIDs[s.TaskID] = true
		}
	}

	ticker := time.NewTicker(rt.cfg.PollInterval())
	defer ticker.Stop()
	for len(rt.registry.GetActive()) > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fmt.Printf("processed %d task(s)\n", started)
	for id := range taskIDs {
		issue, err := rt.store.Show(ctx, id)
		if err != nil {
			fmt.Printf("  %s: status unknown (%v)\n", id, err)
			continue
		}
		fmt.Printf("  %s: %s\n", issue.ID, issue.Status)
	}
	return nil
}

// quietWindow is twice the poll interval clamped to [500ms, 5s].
func quietWindow(poll time.Duration) time.Duration {
	q := 2 * poll
	if q < 500*time.Millisecond {
		q = 500 * time.Millisecond
	}
	if q > 5*time.Second {
		q = 5 * time.Second
	}
	return q
}

// loadRoles resolves the role registry: an explicit roles_file, then the
// project's .foreman/roles.yaml, then the built-in defaults.
func loadRoles(cfg config.Config, project string) (*roles.Registry, error) {
	if cfg.RolesFile != "" {
		return roles.Load(cfg.RolesFile, project)
	}
	candidate := filepath.Join(project, ".foreman", "roles.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return roles.Load(candidate, project)
	}
	return roles.Default(), nil
}

func resolveProject() (string, error) {
	dir := dirFlag
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting current directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving project directory: %w", err)
	}
	return abs, nil
}
