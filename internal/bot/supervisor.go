package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskwire/internal/config"
	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/reconcile"
	"github.com/basket/taskwire/internal/shared"
	"github.com/basket/taskwire/internal/status"
	"github.com/basket/taskwire/internal/syncer"
	"github.com/basket/taskwire/internal/telemetry"
)

// SupervisorConfig holds the shared dependencies for all workspace units.
type SupervisorConfig struct {
	Store    persistence.Store
	Registry *status.Registry
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *telemetry.Metrics

	// GatewayBaseURL overrides the web API root for every workspace
	// client. Tests point it at a local server.
	GatewayBaseURL string

	SyncSchedule string
	SyncInterval time.Duration
	DrainTimeout time.Duration

	// Dial overrides the websocket dialer for tests.
	Dial DialFunc
}

// unit is one supervised workspace: its runner, periodic loop, and the
// cancel/wait pair that tears both down.
type unit struct {
	creds      config.WorkspaceCredentials
	client     *gateway.Client
	rec        *reconcile.Reconciler
	historical *syncer.Historical
	periodic   *syncer.Periodic
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Supervisor manages the lifecycle of every workspace connection. One
// workspace's failure — error or panic — never escapes its unit.
type Supervisor struct {
	cfg SupervisorConfig

	mu    sync.Mutex
	units map[string]*unit
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	return &Supervisor{cfg: cfg, units: make(map[string]*unit)}
}

// Start spins up one workspace: its event connection, its periodic sync
// loop, and an initial historical scan for every linked member.
func (s *Supervisor) Start(ctx context.Context, workspace string, creds config.WorkspaceCredentials) error {
	s.mu.Lock()
	if _, exists := s.units[workspace]; exists {
		s.mu.Unlock()
		return fmt.Errorf("workspace %q already running", workspace)
	}

	var opts []gateway.Option
	if s.cfg.GatewayBaseURL != "" {
		opts = append(opts, gateway.WithBaseURL(s.cfg.GatewayBaseURL))
	}
	client := gateway.NewClient(creds.AppToken, creds.BotToken, opts...)

	rec := reconcile.New(s.cfg.Store, client, s.cfg.Logger, s.cfg.Tracer, s.cfg.Metrics)
	historical := syncer.NewHistorical(syncer.HistoricalConfig{
		Store:    s.cfg.Store,
		Gateway:  client,
		Rec:      rec,
		Registry: s.cfg.Registry,
		Logger:   s.cfg.Logger,
		Tracer:   s.cfg.Tracer,
		Metrics:  s.cfg.Metrics,
	})
	periodic, err := syncer.NewPeriodic(syncer.PeriodicConfig{
		Workspace:  workspace,
		Store:      s.cfg.Store,
		Rec:        rec,
		Historical: historical,
		Logger:     s.cfg.Logger,
		Schedule:   s.cfg.SyncSchedule,
		Interval:   s.cfg.SyncInterval,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}

	unitCtx, cancel := context.WithCancel(ctx)
	u := &unit{
		creds:      creds,
		client:     client,
		rec:        rec,
		historical: historical,
		periodic:   periodic,
		cancel:     cancel,
	}
	s.units[workspace] = u
	s.mu.Unlock()

	dispatcher := NewDispatcher(workspace, s.cfg.Store, rec, s.cfg.Logger)
	runner := NewRunner(RunnerConfig{
		Workspace:  workspace,
		Opener:     client,
		Dial:       s.cfg.Dial,
		Dispatcher: dispatcher,
		Registry:   s.cfg.Registry,
		Logger:     s.cfg.Logger,
		Metrics:    s.cfg.Metrics,
	})

	u.wg.Add(1)
	go s.guard(workspace, "runner", func() {
		defer u.wg.Done()
		if err := runner.Run(unitCtx); err != nil {
			s.cfg.Logger.Error("workspace runner exited",
				"workspace", workspace, "error", err)
		}
	})

	periodic.Start(unitCtx)

	u.wg.Add(1)
	go s.guard(workspace, "initial-sync", func() {
		defer u.wg.Done()
		s.runHistorical(unitCtx, workspace, u, nil)
	})

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveWorkspaces.Add(ctx, 1)
	}
	s.cfg.Logger.Info("workspace started", "workspace", workspace)
	return nil
}

// Stop cancels one workspace's units and waits for them to exit.
func (s *Supervisor) Stop(workspace string) error {
	s.mu.Lock()
	u, ok := s.units[workspace]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("workspace %q not running", workspace)
	}
	delete(s.units, workspace)
	s.mu.Unlock()

	u.cancel()
	u.periodic.Stop()
	u.wg.Wait()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveWorkspaces.Add(context.Background(), -1)
	}
	s.cfg.Logger.Info("workspace stopped", "workspace", workspace)
	return nil
}

// Restart tears a workspace down and brings it back with the same
// credentials. This is the only reconnect path.
func (s *Supervisor) Restart(ctx context.Context, workspace string) error {
	s.mu.Lock()
	u, ok := s.units[workspace]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("workspace %q not running", workspace)
	}
	creds := u.creds
	if err := s.Stop(workspace); err != nil {
		return err
	}
	return s.Start(ctx, workspace, creds)
}

// StartAll starts every configured workspace. Individual failures are
// logged; the rest still start.
func (s *Supervisor) StartAll(ctx context.Context, workspaces config.Workspaces) {
	for _, name := range workspaces.Names() {
		if err := s.Start(ctx, name, workspaces[name]); err != nil {
			s.cfg.Logger.Error("workspace start failed", "workspace", name, "error", err)
		}
	}
}

// StopAll broadcasts cancellation to every workspace, then waits out the
// drain timeout for stragglers.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.units))
	for name, u := range s.units {
		u.cancel()
		names = append(names, name)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, name := range names {
			_ = s.Stop(name)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.cfg.Logger.Warn("drain timeout elapsed with workspaces still stopping")
	}
}

// ApplyWorkspaces reconciles the running set against a freshly loaded
// workspaces file: new entries start, removed entries stop, changed
// credentials restart.
func (s *Supervisor) ApplyWorkspaces(ctx context.Context, workspaces config.Workspaces) {
	s.mu.Lock()
	running := make(map[string]config.WorkspaceCredentials, len(s.units))
	for name, u := range s.units {
		running[name] = u.creds
	}
	s.mu.Unlock()

	for name, creds := range running {
		next, ok := workspaces[name]
		switch {
		case !ok:
			if err := s.Stop(name); err != nil {
				s.cfg.Logger.Error("workspace stop failed", "workspace", name, "error", err)
			}
		case next != creds:
			if err := s.Stop(name); err != nil {
				s.cfg.Logger.Error("workspace stop failed", "workspace", name, "error", err)
				continue
			}
			if err := s.Start(ctx, name, next); err != nil {
				s.cfg.Logger.Error("workspace start failed", "workspace", name, "error", err)
			}
		}
	}
	for _, name := range workspaces.Names() {
		if _, ok := running[name]; ok {
			continue
		}
		if err := s.Start(ctx, name, workspaces[name]); err != nil {
			s.cfg.Logger.Error("workspace start failed", "workspace", name, "error", err)
		}
	}
}

// OnMemberLinked runs a historical scan scoped to one newly linked member.
func (s *Supervisor) OnMemberLinked(ctx context.Context, workspace, memberID string) error {
	s.mu.Lock()
	u, ok := s.units[workspace]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("workspace %q not running", workspace)
	}
	u.wg.Add(1)
	go s.guard(workspace, "member-sync", func() {
		defer u.wg.Done()
		s.runHistorical(ctx, workspace, u, []string{memberID})
	})
	return nil
}

// Running reports whether a workspace unit is currently supervised.
func (s *Supervisor) Running(workspace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[workspace]
	return ok
}

// runHistorical scans for the given members, or all linked members when
// memberIDs is nil.
func (s *Supervisor) runHistorical(ctx context.Context, workspace string, u *unit, memberIDs []string) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if memberIDs == nil {
		members, err := s.cfg.Store.ListLinkedMembers(ctx, workspace)
		if err != nil {
			s.cfg.Logger.Error("list linked members failed",
				"workspace", workspace, "error", err)
			return
		}
		for _, m := range members {
			memberIDs = append(memberIDs, m.MemberID)
		}
	}
	if err := u.historical.Run(ctx, workspace, memberIDs); err != nil {
		s.cfg.Logger.Error("historical sync failed",
			"workspace", workspace, "error", err)
	}
}

// guard wraps a workspace goroutine so a panic in one tenant is logged and
// contained instead of taking the process down.
func (s *Supervisor) guard(workspace, name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.cfg.Logger.Error("workspace unit panicked",
				"workspace", workspace, "unit", name,
				"panic", rec, "stack", string(debug.Stack()))
			if s.cfg.Registry != nil {
				s.cfg.Registry.MarkDisconnected(workspace, fmt.Sprintf("%s panicked: %v", name, rec))
			}
		}
	}()
	fn()
}
