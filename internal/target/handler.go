package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/HsiangNianian/snyper/internal/protocol"
	"github.com/HsiangNianian/snyper/internal/server"
)

var ErrInvalidDuration = errors.New("activate duration must be positive")

// Handler is the target's socket handler. Ping is answered in place so the
// target stays reachable during an activation; hardware commands go through
// the machine's queue.
type Handler struct {
	nodeID  string
	machine *Machine
	logger  *slog.Logger
}

var _ server.Handler = (*Handler)(nil)

func NewHandler(nodeID string, machine *Machine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{nodeID: nodeID, machine: machine, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, msg protocol.Message, peer net.Addr, w server.ReplyWriter) error {
	switch msg.Type() {
	case protocol.TypePing:
		h.logger.Debug("pinged", "peer", peer.String(), "state", h.machine.State().String())
		return h.reply(msg, w, protocol.TypePong, protocol.PongData{Status: protocol.StatusAlive})
	case protocol.TypeStandUp, protocol.TypeLayDown, protocol.TypeActivate:
		return h.command(ctx, msg, w)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCommand, msg.Type())
}

func (h *Handler) command(ctx context.Context, msg protocol.Message, w server.ReplyWriter) error {
	var seconds int
	if msg.Type() == protocol.TypeActivate {
		data, _ := msg.Payload().(protocol.ActivateData)
		if data.Duration <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidDuration, data.Duration)
		}
		seconds = data.Duration
	}

	done := make(chan ActionResult, 1)
	cmd := PendingCommand{
		Command:   msg.Type(),
		Duration:  time.Duration(seconds) * time.Second,
		RequestID: msg.ID(),
		Respond:   func(res ActionResult) { done <- res },
	}
	queued, err := h.machine.Submit(cmd)
	if err != nil {
		return err
	}
	h.logger.Info("command accepted", "request", msg, "queued", queued)

	// Movements behind a busy target are acknowledged now and run later.
	if queued && msg.Type() != protocol.TypeActivate {
		return h.ackQueued(msg, w)
	}

	var res ActionResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil {
		return res.Err
	}

	switch msg.Type() {
	case protocol.TypeStandUp:
		return h.reply(msg, w, protocol.TypeStanding, protocol.StandingData{Status: protocol.StatusStanding})
	case protocol.TypeLayDown:
		return h.reply(msg, w, protocol.TypeDown, protocol.DownData{Status: protocol.StatusDown})
	}
	hit := 0
	if res.Hit {
		hit = 1
	}
	return h.reply(msg, w, protocol.TypeActivated, protocol.ActivatedData{
		Status:    protocol.StatusActivated,
		Duration:  seconds,
		Hit:       hit,
		HitValue:  res.HitValue,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

func (h *Handler) ackQueued(msg protocol.Message, w server.ReplyWriter) error {
	if msg.Type() == protocol.TypeStandUp {
		return h.reply(msg, w, protocol.TypeStanding, protocol.StandingData{Status: protocol.StatusCommandQueued})
	}
	return h.reply(msg, w, protocol.TypeDown, protocol.DownData{Status: protocol.StatusCommandQueued})
}

func (h *Handler) reply(req protocol.Message, w server.ReplyWriter, t protocol.Type, p protocol.Payload) error {
	resp, err := protocol.Reply(req, t, h.nodeID, p)
	if err != nil {
		return err
	}
	return w.Reply(resp)
}
