package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/reconcile"
	"github.com/basket/taskwire/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultSchedule re-derives every task at five-minute boundaries.
const DefaultSchedule = "*/5 * * * *"

// PeriodicConfig holds the dependencies for one workspace's periodic loop.
type PeriodicConfig struct {
	Workspace  string
	Store      persistence.Store
	Rec        TaskReconciler
	Historical *Historical
	Logger     *slog.Logger

	// Schedule is a cron expression. Ignored when Interval is set.
	Schedule string
	// Interval, when positive, replaces the cron schedule with a plain
	// ticker. Only sub-minute test configs need it.
	Interval time.Duration
}

// Periodic re-derives every known task for one workspace on a schedule,
// preceding each pass with a historical channel scan so missed live events
// surface as created tasks, not just corrected ones.
type Periodic struct {
	workspace string
	store     persistence.Store
	rec       TaskReconciler
	hist      *Historical
	logger    *slog.Logger

	schedule cronlib.Schedule
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeriodic validates the schedule and builds the loop. It does not start it.
func NewPeriodic(cfg PeriodicConfig) (*Periodic, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Periodic{
		workspace: cfg.Workspace,
		store:     cfg.Store,
		rec:       cfg.Rec,
		hist:      cfg.Historical,
		logger:    logger,
		interval:  cfg.Interval,
	}
	if p.interval <= 0 {
		expr := cfg.Schedule
		if expr == "" {
			expr = DefaultSchedule
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("parse sync schedule %q: %w", expr, err)
		}
		p.schedule = sched
	}
	return p, nil
}

// Start begins the loop in a background goroutine. The first pass runs
// immediately; later passes follow the schedule.
func (p *Periodic) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("periodic sync started", "workspace", p.workspace)
}

// Stop cancels the loop and waits for it to exit.
func (p *Periodic) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("periodic sync stopped", "workspace", p.workspace)
}

func (p *Periodic) loop(ctx context.Context) {
	defer p.wg.Done()

	p.pass(ctx)

	for {
		var wait time.Duration
		if p.interval > 0 {
			wait = p.interval
		} else {
			wait = time.Until(p.schedule.Next(time.Now()))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.pass(ctx)
		}
	}
}

// pass runs one full sync: the historical scan first (a missed event may
// mean a task was never created), then a re-derivation of every stored
// message. Per-message failures are skipped; an enumeration failure aborts
// the pass.
func (p *Periodic) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	if p.hist != nil {
		members, err := p.store.ListLinkedMembers(ctx, p.workspace)
		if err != nil {
			p.logger.Error("periodic sync: list linked members failed",
				"workspace", p.workspace, "error", err)
			return
		}
		memberIDs := make([]string, 0, len(members))
		for _, m := range members {
			memberIDs = append(memberIDs, m.MemberID)
		}
		if err := p.hist.Run(ctx, p.workspace, memberIDs); err != nil {
			p.logger.Error("periodic sync: historical scan failed",
				"workspace", p.workspace, "error", err)
		}
	}

	messages, err := p.store.ListMessages(ctx, p.workspace)
	if err != nil {
		p.logger.Error("periodic sync: list messages failed",
			"workspace", p.workspace, "error", err)
		return
	}
	for _, m := range messages {
		if ctx.Err() != nil {
			return
		}
		if err := p.rec.Reconcile(ctx, reconcile.Input{
			Workspace: p.workspace,
			Channel:   m.Channel,
			TS:        m.Timestamp,
		}); err != nil {
			p.logger.Warn("periodic sync: reconcile failed",
				"workspace", p.workspace, "channel", m.Channel, "ts", m.Timestamp, "error", err)
		}
	}
	p.logger.Info("periodic sync pass finished",
		"workspace", p.workspace, "messages", len(messages),
		"trace_id", shared.TraceID(ctx))
}
