// Package reconcile holds the single write path: given a message identity
// and whatever signal a caller has, it converges the stored Task to the
// message's current reaction state. Every caller — live events, the
// periodic loop, historical scans — funnels through Reconcile, so replays
// and concurrent passes land on the same state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskwire/internal/derive"
	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/shared"
	"github.com/basket/taskwire/internal/telemetry"
)

// Fetcher is the slice of the gateway client the reconciler needs.
type Fetcher interface {
	FetchMessage(ctx context.Context, channel, ts string) (*gateway.Message, error)
	FetchReactions(ctx context.Context, channel, ts string) ([]gateway.Reaction, error)
}

// Input identifies one message to reconcile plus optional live-event hints.
type Input struct {
	Workspace string
	Channel   string
	TS        string

	// HintedOwner is the member who triggered a live event, if any.
	HintedOwner string
	// HintedEmoji is the triggering reaction name, kept as a fallback
	// signal when the authoritative reaction fetch fails.
	HintedEmoji string
}

// Reconciler derives task state from reactions and persists it.
type Reconciler struct {
	store   persistence.Store
	gw      Fetcher
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

func New(store persistence.Store, gw Fetcher, logger *slog.Logger, tracer trace.Tracer, metrics *telemetry.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	return &Reconciler{store: store, gw: gw, logger: logger, tracer: tracer, metrics: metrics}
}

// Reconcile converges the Task for (workspace, channel, ts) to the current
// reaction state. Unknown authors and unlinked members are silent no-ops.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (err error) {
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "reconcile",
		telemetry.AttrWorkspace.String(in.Workspace),
		telemetry.AttrChannel.String(in.Channel),
	)
	start := time.Now()
	defer func() {
		span.End()
		if r.metrics != nil {
			r.metrics.ReconcileDuration.Record(ctx, time.Since(start).Seconds())
			if err != nil {
				r.metrics.ReconcileErrors.Add(ctx, 1)
			}
		}
	}()

	externalID := persistence.MessageExternalID(in.Workspace, in.Channel, in.TS)

	msg, person, err := r.resolveMessage(ctx, in, externalID)
	if err != nil {
		return err
	}
	if msg == nil {
		// Unknown author or unlinked member. Expected during onboarding.
		return nil
	}

	mappings, err := r.store.GetEmojiMappings(ctx, in.Workspace)
	if err != nil {
		return fmt.Errorf("emoji mappings for %s: %w", in.Workspace, err)
	}

	reactions, rerr := r.gw.FetchReactions(ctx, in.Channel, in.TS)
	if rerr != nil {
		r.logger.Warn("reaction fetch failed, falling back to event hint",
			"workspace", in.Workspace, "channel", in.Channel, "ts", in.TS,
			"trace_id", shared.TraceID(ctx), "error", rerr)
		if in.HintedEmoji == "" {
			// No signal at all. Leave the task alone rather than
			// downgrading it to Blank.
			return nil
		}
		reactions = []gateway.Reaction{{Name: in.HintedEmoji, Users: []string{in.HintedOwner}}}
	}

	status := derive.StatusFromReactions(reactions, mappings)
	owner := derive.ResolveOwner(in.HintedOwner, reactions)

	task, err := r.store.GetTaskByMessageID(ctx, msg.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		if status == persistence.StatusBlank {
			return nil
		}
		created := persistence.Task{
			Status:     status,
			AssignedTo: person.ID,
			AssignedBy: ownerPtr(owner),
			MessageID:  msg.ID,
		}
		if _, err := r.store.CreateTask(ctx, created); err != nil {
			return fmt.Errorf("create task for %s: %w", externalID, err)
		}
		if r.metrics != nil {
			r.metrics.TaskTransitions.Add(ctx, 1)
		}
		r.logger.Info("task created",
			"workspace", in.Workspace, "channel", in.Channel, "ts", in.TS,
			"status", status, "trace_id", shared.TraceID(ctx))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get task for %s: %w", externalID, err)
	}

	if task.Status != status {
		if err := r.store.UpdateTaskStatus(ctx, task.ID, status); err != nil {
			return fmt.Errorf("update task %s status: %w", task.ID, err)
		}
		if r.metrics != nil {
			r.metrics.TaskTransitions.Add(ctx, 1)
		}
		r.logger.Info("task status changed",
			"workspace", in.Workspace, "task_id", task.ID,
			"from", task.Status, "to", status, "trace_id", shared.TraceID(ctx))
	}
	if !ownerEqual(task.AssignedBy, owner) {
		if err := r.store.UpdateTaskOwner(ctx, task.ID, ownerPtr(owner)); err != nil {
			return fmt.Errorf("update task %s owner: %w", task.ID, err)
		}
	}
	return nil
}

// resolveMessage returns the stored message and its author, creating the
// message on first sight. A nil message with nil error means the author is
// unknown or unlinked and the caller should stop quietly.
func (r *Reconciler) resolveMessage(ctx context.Context, in Input, externalID string) (*persistence.Message, *persistence.Person, error) {
	msg, err := r.store.GetMessageByExternalID(ctx, externalID)
	if err == nil {
		person, perr := r.store.GetPerson(ctx, msg.PersonID)
		if perr != nil {
			return nil, nil, fmt.Errorf("author of %s: %w", externalID, perr)
		}
		linked, lerr := r.memberLinked(ctx, in.Workspace, person.ExternalID)
		if lerr != nil {
			return nil, nil, lerr
		}
		if !linked {
			return nil, nil, nil
		}
		return msg, person, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, nil, fmt.Errorf("get message %s: %w", externalID, err)
	}

	gm, err := r.gw.FetchMessage(ctx, in.Channel, in.TS)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch message %s: %w", externalID, err)
	}
	person, err := r.store.GetPersonByExternalID(ctx, gm.User)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup author %s: %w", gm.User, err)
	}
	linked, err := r.memberLinked(ctx, in.Workspace, person.ExternalID)
	if err != nil {
		return nil, nil, err
	}
	if !linked {
		return nil, nil, nil
	}

	created, err := r.store.CreateMessage(ctx, persistence.Message{
		Content:    gm.Text,
		ExternalID: externalID,
		Workspace:  in.Workspace,
		Channel:    in.Channel,
		Timestamp:  in.TS,
		PersonID:   person.ID,
	})
	if err != nil {
		// A concurrent pass may have created it between our get and
		// insert; re-read before giving up.
		if existing, gerr := r.store.GetMessageByExternalID(ctx, externalID); gerr == nil {
			return existing, person, nil
		}
		return nil, nil, fmt.Errorf("create message %s: %w", externalID, err)
	}
	return created, person, nil
}

func (r *Reconciler) memberLinked(ctx context.Context, workspace, memberID string) (bool, error) {
	link, err := r.store.GetLinkByMember(ctx, workspace, memberID)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("link for %s in %s: %w", memberID, workspace, err)
	}
	return link.IsLinked, nil
}

func ownerPtr(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}

func ownerEqual(stored *string, resolved string) bool {
	if stored == nil {
		return resolved == ""
	}
	return *stored == resolved
}
