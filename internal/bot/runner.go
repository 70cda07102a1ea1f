// Package bot runs one Socket Mode connection per workspace and supervises
// the set of them.
package bot

import (
	"context"
	"log/slog"

	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/shared"
	"github.com/basket/taskwire/internal/status"
	"github.com/basket/taskwire/internal/telemetry"
)

// Opener is the handshake slice of the gateway client.
type Opener interface {
	OpenConnection(ctx context.Context) (string, error)
}

// Conn is one live socket. Satisfied by *gateway.Socket.
type Conn interface {
	ReadEnvelope(ctx context.Context) (*gateway.Envelope, []byte, error)
	Ack(ctx context.Context, envelopeID string) error
	Close(reason string) error
}

// DialFunc connects to a websocket URL. Tests substitute their own.
type DialFunc func(ctx context.Context, wsURL string) (Conn, error)

func defaultDial(ctx context.Context, wsURL string) (Conn, error) {
	return gateway.DialSocket(ctx, wsURL)
}

// Runner owns one workspace's event connection: handshake, envelope loop,
// teardown. It does not reconnect; restarting a workspace is the
// supervisor's explicit call.
type Runner struct {
	workspace  string
	opener     Opener
	dial       DialFunc
	dispatcher *Dispatcher
	registry   *status.Registry
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// RunnerConfig holds the dependencies for one Runner.
type RunnerConfig struct {
	Workspace  string
	Opener     Opener
	Dial       DialFunc
	Dispatcher *Dispatcher
	Registry   *status.Registry
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = defaultDial
	}
	return &Runner{
		workspace:  cfg.Workspace,
		opener:     cfg.Opener,
		dial:       dial,
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Run connects and processes envelopes until the connection ends or ctx is
// cancelled. The registry reflects every state change.
func (r *Runner) Run(ctx context.Context) error {
	wsURL, err := r.opener.OpenConnection(ctx)
	if err != nil {
		r.registry.MarkDisconnected(r.workspace, "handshake failed: "+err.Error())
		return err
	}

	conn, err := r.dial(ctx, wsURL)
	if err != nil {
		r.registry.MarkDisconnected(r.workspace, "dial failed: "+err.Error())
		return err
	}

	r.registry.MarkConnected(r.workspace)
	r.logger.Info("workspace connected", "workspace", r.workspace)

	for {
		env, raw, err := conn.ReadEnvelope(ctx)
		if err != nil {
			if env == nil && raw != nil {
				// Frame arrived but did not decode. Drop it, keep the
				// connection.
				r.registry.Heartbeat(r.workspace)
				r.logger.Error("undecodable envelope", "workspace", r.workspace, "error", err)
				continue
			}
			if ctx.Err() != nil {
				_ = conn.Close("shutting down")
				r.registry.MarkDisconnected(r.workspace, "shutdown")
				r.logger.Info("workspace disconnected", "workspace", r.workspace, "reason", "shutdown")
				return nil
			}
			_ = conn.Close("read error")
			r.registry.MarkDisconnected(r.workspace, err.Error())
			r.logger.Error("workspace connection lost", "workspace", r.workspace, "error", err)
			return err
		}

		r.registry.Heartbeat(r.workspace)
		if r.metrics != nil {
			r.metrics.EnvelopesReceived.Add(ctx, 1)
		}

		// Ack first: the gateway redelivers anything unacked, and
		// processing must never delay that.
		if env.EnvelopeID != "" {
			if err := conn.Ack(ctx, env.EnvelopeID); err != nil {
				_ = conn.Close("ack failed")
				r.registry.MarkDisconnected(r.workspace, err.Error())
				return err
			}
		}

		switch env.Type {
		case "events_api":
			evCtx := shared.WithTraceID(ctx, shared.NewTraceID())
			if err := r.dispatcher.HandleEvent(evCtx, env, raw); err != nil {
				r.logger.Error("event handling failed",
					"workspace", r.workspace, "envelope_id", env.EnvelopeID,
					"trace_id", shared.TraceID(evCtx), "error", err)
			}
		case "hello":
			r.logger.Info("gateway hello", "workspace", r.workspace)
		case "disconnect":
			r.logger.Warn("gateway requested disconnect", "workspace", r.workspace)
		default:
			r.logger.Debug("ignoring envelope", "workspace", r.workspace, "type", env.Type)
		}
	}
}
