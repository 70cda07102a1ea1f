package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Socket is one Socket Mode websocket connection. Reads are serial; the
// library answers transport pings while a read is in flight.
type Socket struct {
	conn *websocket.Conn
}

// DialSocket connects to a websocket URL obtained from OpenConnection.
func DialSocket(ctx context.Context, wsURL string) (*Socket, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	// Envelopes are small; the default 32KiB cap trips on busy payloads.
	conn.SetReadLimit(1 << 20)
	return &Socket{conn: conn}, nil
}

// ReadEnvelope blocks for the next frame and decodes it. It returns the raw
// bytes alongside the envelope so dispatchers can re-parse loose payloads.
func (s *Socket) ReadEnvelope(ctx context.Context) (*Envelope, []byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, data, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, data, nil
}

// Ack confirms receipt of an envelope. The gateway redelivers unacked
// envelopes, so this runs before any processing.
func (s *Socket) Ack(ctx context.Context, envelopeID string) error {
	if envelopeID == "" {
		return nil
	}
	if err := wsjson.Write(ctx, s.conn, acknowledgment{EnvelopeID: envelopeID}); err != nil {
		return fmt.Errorf("ack envelope %s: %w", envelopeID, err)
	}
	return nil
}

// Close sends a normal close frame. Best-effort; the peer may be gone.
func (s *Socket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
