// Package ws serves the operator panel websocket: panels send fleet actions
// and receive the results of every fleet operation.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/snyper/internal/controller"
	"github.com/HsiangNianian/snyper/internal/protocol"
)

var (
	ErrMissingMsgID  = errors.New("missing msg_id")
	ErrUnknownAction = errors.New("unknown action")
)

// Fleet is the set of operations a panel may trigger.
type Fleet interface {
	PingAll(ctx context.Context) (controller.Results, error)
	RaiseAll(ctx context.Context) (controller.Results, error)
	LowerAll(ctx context.Context) (controller.Results, error)
	ActivateAll(ctx context.Context, duration int) (controller.Results, error)
	Cleanup(ctx context.Context) (controller.Results, error)
}

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub tracks connected panels. It is a controller.Observer: every finished
// fleet operation, whoever started it, is broadcast as a results envelope.
type Hub struct {
	fleet  Fleet
	logger *slog.Logger

	upgrader websocket.Upgrader

	panelMu sync.RWMutex
	panels  map[*clientConn]struct{}
}

var _ controller.Observer = (*Hub)(nil)

func NewHub(fleet Fleet, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		fleet:  fleet,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		panels: make(map[*clientConn]struct{}),
	}
}

// HandlePanel upgrades the request and serves the panel until it
// disconnects.
func (h *Hub) HandlePanel(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("panel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := &clientConn{conn: conn}

	h.panelMu.Lock()
	h.panels[client] = struct{}{}
	panelCount := len(h.panels)
	h.panelMu.Unlock()

	h.logger.Info("panel connected", "remote", r.RemoteAddr, "active_panels", panelCount)
	h.readPanel(r.Context(), client)
}

// Panels returns the number of connected panels.
func (h *Hub) Panels() int {
	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	return len(h.panels)
}

// FanoutCompleted broadcasts results to every panel.
func (h *Hub) FanoutCompleted(op string, results controller.Results) {
	h.broadcast(newEnvelope(protocol.NewID(), TypeResults, ResultsPayload{Op: op, Results: results}))
}

// readPanel reads envelopes until the panel goes away. Actions run in their
// own goroutines under ctx, which is cancelled on disconnect.
func (h *Hub) readPanel(ctx context.Context, client *clientConn) {
	ctx, cancel := context.WithCancel(ctx)
	var running sync.WaitGroup
	defer func() {
		cancel()
		running.Wait()
		h.panelMu.Lock()
		delete(h.panels, client)
		panelCount := len(h.panels)
		h.panelMu.Unlock()
		_ = client.conn.Close()
		h.logger.Info("panel disconnected", "active_panels", panelCount)
	}()

	for {
		var env Envelope
		if err := client.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("panel read ended", "error", err)
			}
			return
		}
		h.logEvent("recv panel", env)
		if env.Type != TypeAction {
			h.logger.Debug("ignoring non-action from panel", "type", env.Type, "msg_id", env.MsgID)
			continue
		}
		run, err := h.acceptAction(client, env)
		if err != nil {
			h.replyError(client, env.MsgID, err)
			continue
		}
		running.Add(1)
		go func() {
			defer running.Done()
			if _, err := run(ctx); err != nil {
				h.replyError(client, env.MsgID, err)
			}
		}()
	}
}

// acceptAction validates an action and acknowledges it to the sending panel.
// The returned operation's results reach every panel through
// FanoutCompleted.
func (h *Hub) acceptAction(client *clientConn, env Envelope) (func(context.Context) (controller.Results, error), error) {
	if env.MsgID == "" {
		return nil, ErrMissingMsgID
	}
	var payload ActionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrMalformedMessage, err)
	}

	run, err := h.operation(payload)
	if err != nil {
		return nil, err
	}

	ack := newEnvelope(env.MsgID, TypeActionAck, ActionAckPayload{ActionMsgID: env.MsgID, Success: true, Message: payload.Action})
	if err := client.WriteJSON(ack); err != nil {
		return nil, err
	}
	h.logEvent("send panel", ack)
	return run, nil
}

func (h *Hub) replyError(client *clientConn, msgID string, err error) {
	h.logger.Warn("panel action failed", "msg_id", msgID, "error", err)
	errEnv := newEnvelope(msgID, TypeError, ErrorPayload{Code: errorCode(err), Message: err.Error()})
	if werr := client.WriteJSON(errEnv); werr != nil {
		h.logger.Debug("error envelope not delivered", "msg_id", msgID, "error", werr)
	}
}

func (h *Hub) operation(p ActionPayload) (func(context.Context) (controller.Results, error), error) {
	switch p.Action {
	case controller.OpPing:
		return h.fleet.PingAll, nil
	case controller.OpRaise:
		return h.fleet.RaiseAll, nil
	case controller.OpLower:
		return h.fleet.LowerAll, nil
	case controller.OpCleanup:
		return h.fleet.Cleanup, nil
	case controller.OpActivate:
		if p.Duration <= 0 {
			return nil, fmt.Errorf("%w: %d", controller.ErrInvalidDuration, p.Duration)
		}
		return func(ctx context.Context) (controller.Results, error) {
			return h.fleet.ActivateAll(ctx, p.Duration)
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
}

func (h *Hub) broadcast(env Envelope) {
	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	h.logger.Debug("broadcast to panels", "count", len(h.panels), "type", env.Type, "msg_id", env.MsgID)
	for panel := range h.panels {
		if err := panel.WriteJSON(env); err != nil {
			h.logger.Warn("broadcast to panel failed", "error", err)
		}
	}
}

func (h *Hub) logEvent(prefix string, env Envelope) {
	h.logger.Debug(prefix, "type", env.Type, "msg_id", env.MsgID, "timestamp", env.Timestamp)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingMsgID), errors.Is(err, protocol.ErrMalformedMessage):
		return "BAD_ENVELOPE"
	case errors.Is(err, ErrUnknownAction), errors.Is(err, controller.ErrInvalidDuration):
		return "BAD_ACTION"
	}
	return "ACTION_FAILED"
}
