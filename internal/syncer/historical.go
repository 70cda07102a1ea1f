// Package syncer repairs task state that live events missed: a historical
// channel scan run at connection start or member link time, and a periodic
// loop that re-derives every known task on a schedule.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskwire/internal/derive"
	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/reconcile"
	"github.com/basket/taskwire/internal/status"
	"github.com/basket/taskwire/internal/telemetry"
)

// HistoryClient is the slice of the gateway client the scans need.
type HistoryClient interface {
	ListChannels(ctx context.Context) ([]gateway.Channel, error)
	FetchHistoryPage(ctx context.Context, channel, cursor string, limit int) (gateway.HistoryPage, error)
}

// TaskReconciler is satisfied by reconcile.Reconciler.
type TaskReconciler interface {
	Reconcile(ctx context.Context, in reconcile.Input) error
}

const (
	historyPageSize  = 100
	historyMaxPages  = 5
	defaultPageDelay = 200 * time.Millisecond
)

// Historical scans channel history for reacted messages authored by linked
// members and reconciles each one.
type Historical struct {
	store    persistence.Store
	gw       HistoryClient
	rec      TaskReconciler
	registry *status.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics

	// pageDelay throttles history pagination. Tests shorten it.
	pageDelay time.Duration
}

// HistoricalConfig holds the dependencies for a Historical scanner.
type HistoricalConfig struct {
	Store     persistence.Store
	Gateway   HistoryClient
	Rec       TaskReconciler
	Registry  *status.Registry
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *telemetry.Metrics
	PageDelay time.Duration
}

func NewHistorical(cfg HistoricalConfig) *Historical {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	delay := cfg.PageDelay
	if delay <= 0 {
		delay = defaultPageDelay
	}
	return &Historical{
		store:     cfg.Store,
		gw:        cfg.Gateway,
		rec:       cfg.Rec,
		registry:  cfg.Registry,
		logger:    logger,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		pageDelay: delay,
	}
}

// Run scans every visible channel for messages authored by the target
// members. Channel enumeration failures abort the run; everything past
// that is logged and skipped. The registry always ends at sync-complete.
func (h *Historical) Run(ctx context.Context, workspace string, memberIDs []string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, h.tracer, "sync.historical",
		telemetry.AttrWorkspace.String(workspace),
	)
	start := time.Now()
	defer func() {
		span.End()
		if h.metrics != nil {
			h.metrics.SyncDuration.Record(ctx, time.Since(start).Seconds(),
			)
		}
		if h.registry != nil {
			h.registry.MarkSyncComplete(workspace)
		}
	}()

	if len(memberIDs) == 0 {
		return nil
	}
	targets := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		targets[id] = true
	}

	if h.registry != nil {
		h.registry.MarkSyncing(workspace, "Listing channels")
	}
	channels, err := h.gw.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels for %s: %w", workspace, err)
	}

	mappings, err := h.store.GetEmojiMappings(ctx, workspace)
	if err != nil {
		return fmt.Errorf("emoji mappings for %s: %w", workspace, err)
	}

	for i, ch := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.registry != nil {
			h.registry.MarkSyncing(workspace, fmt.Sprintf("Scanning channel %d/%d: %s", i+1, len(channels), ch.Name))
		}
		h.scanChannel(ctx, workspace, ch, targets, mappings)
	}

	h.logger.Info("historical sync finished",
		"workspace", workspace, "channels", len(channels), "members", len(memberIDs))
	return nil
}

func (h *Historical) scanChannel(ctx context.Context, workspace string, ch gateway.Channel, targets map[string]bool, mappings persistence.EmojiMappings) {
	cursor := ""
	for page := 0; page < historyMaxPages; page++ {
		if page > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.pageDelay):
			}
		}
		hp, err := h.gw.FetchHistoryPage(ctx, ch.ID, cursor, historyPageSize)
		if err != nil {
			h.logger.Warn("history page fetch failed",
				"workspace", workspace, "channel", ch.ID, "page", page, "error", err)
			return
		}
		for _, m := range hp.Messages {
			if !targets[m.User] || len(m.Reactions) == 0 {
				continue
			}
			if !anyMapped(m.Reactions, mappings) {
				continue
			}
			if err := h.rec.Reconcile(ctx, reconcile.Input{
				Workspace: workspace,
				Channel:   ch.ID,
				TS:        m.TS,
			}); err != nil {
				h.logger.Warn("historical reconcile failed",
					"workspace", workspace, "channel", ch.ID, "ts", m.TS, "error", err)
			}
		}
		cursor = hp.NextCursor
		if cursor == "" || !hp.HasMore {
			return
		}
	}
}

func anyMapped(reactions []gateway.Reaction, m persistence.EmojiMappings) bool {
	for _, r := range reactions {
		if derive.Mapped(r.Name, m) {
			return true
		}
	}
	return false
}
