package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/basket/taskwire/internal/derive"
	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/reconcile"
)

// TaskReconciler is satisfied by reconcile.Reconciler.
type TaskReconciler interface {
	Reconcile(ctx context.Context, in reconcile.Input) error
}

// Dispatcher routes events_api envelopes into reconcile calls for one
// workspace. Events it does not understand are dropped without error.
type Dispatcher struct {
	workspace string
	store     persistence.Store
	rec       TaskReconciler
	logger    *slog.Logger
}

func NewDispatcher(workspace string, store persistence.Store, rec TaskReconciler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{workspace: workspace, store: store, rec: rec, logger: logger}
}

// HandleEvent processes one events_api envelope. raw is the full frame as
// received, needed for the message_changed path where the interesting
// fields sit outside the typed envelope.
func (d *Dispatcher) HandleEvent(ctx context.Context, env *gateway.Envelope, raw []byte) error {
	if env.Payload == nil || env.Payload.Event == nil {
		return nil
	}
	ev := env.Payload.Event

	switch ev.Type {
	case "reaction_added":
		return d.handleReactionAdded(ctx, ev)
	case "reaction_removed":
		return d.handleReactionRemoved(ctx, ev)
	case "message":
		if ev.Subtype == "message_changed" {
			return d.handleMessageChanged(ctx, raw)
		}
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) handleReactionAdded(ctx context.Context, ev *gateway.Event) error {
	if ev.Item == nil || ev.Item.Channel == "" || ev.Item.TS == "" || ev.Reaction == "" {
		return nil
	}
	mappings, err := d.store.GetEmojiMappings(ctx, d.workspace)
	if err != nil {
		return fmt.Errorf("emoji mappings: %w", err)
	}
	if !derive.Mapped(ev.Reaction, mappings) {
		d.logger.Debug("ignoring unmapped reaction",
			"workspace", d.workspace, "reaction", ev.Reaction)
		return nil
	}
	return d.rec.Reconcile(ctx, reconcile.Input{
		Workspace:   d.workspace,
		Channel:     ev.Item.Channel,
		TS:          ev.Item.TS,
		HintedOwner: ev.User,
		HintedEmoji: ev.Reaction,
	})
}

func (d *Dispatcher) handleReactionRemoved(ctx context.Context, ev *gateway.Event) error {
	if ev.Item == nil || ev.Item.Channel == "" || ev.Item.TS == "" {
		return nil
	}
	// No hints: a removal means the triggering emoji is gone, so only the
	// authoritative refetch can say what remains.
	return d.rec.Reconcile(ctx, reconcile.Input{
		Workspace: d.workspace,
		Channel:   ev.Item.Channel,
		TS:        ev.Item.TS,
	})
}

// handleMessageChanged pulls channel, timestamp, and an owner hint out of
// the embedded message. The payload shape here is too loose for the typed
// envelope, so it is read straight from the raw frame.
func (d *Dispatcher) handleMessageChanged(ctx context.Context, raw []byte) error {
	event := gjson.GetBytes(raw, "payload.event")
	channel := event.Get("channel").String()
	ts := event.Get("message.ts").String()
	if channel == "" || ts == "" {
		return nil
	}

	hint := ""
	event.Get("message.reactions").ForEach(func(_, r gjson.Result) bool {
		users := r.Get("users").Array()
		if len(users) > 0 {
			hint = users[0].String()
			return false
		}
		return true
	})

	return d.rec.Reconcile(ctx, reconcile.Input{
		Workspace:   d.workspace,
		Channel:     channel,
		TS:          ts,
		HintedOwner: hint,
	})
}
