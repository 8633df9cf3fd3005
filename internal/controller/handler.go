package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/HsiangNianian/snyper/internal/protocol"
	"github.com/HsiangNianian/snyper/internal/server"
)

// DefaultTargetPort is assumed for targets that register without a port.
const DefaultTargetPort = 8080

var ErrUnsupportedMessage = errors.New("unsupported message type")

// Handler is the controller's socket handler. It accepts register and
// answers ping; any other request gets an error reply.
type Handler struct {
	orch        *Orchestrator
	nodeID      string
	defaultPort int
	logger      *slog.Logger
}

var _ server.Handler = (*Handler)(nil)

func NewHandler(orch *Orchestrator, nodeID string, defaultPort int, logger *slog.Logger) *Handler {
	if defaultPort <= 0 {
		defaultPort = DefaultTargetPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, nodeID: nodeID, defaultPort: defaultPort, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, msg protocol.Message, peer net.Addr, w server.ReplyWriter) error {
	switch msg.Type() {
	case protocol.TypeRegister:
		return h.register(ctx, msg, peer, w)
	case protocol.TypePing:
		pong, err := protocol.Reply(msg, protocol.TypePong, h.nodeID, protocol.PongData{Status: protocol.StatusAlive})
		if err != nil {
			return err
		}
		return w.Reply(pong)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedMessage, msg.Type())
}

func (h *Handler) register(ctx context.Context, msg protocol.Message, peer net.Addr, w server.ReplyWriter) error {
	data, _ := msg.Payload().(protocol.RegisterData)
	name := data.ClientID
	if name == "" {
		name = msg.TargetID()
	}
	if name == "" {
		return errors.New("register: missing client_id")
	}

	host, _, err := net.SplitHostPort(peer.String())
	if err != nil {
		return fmt.Errorf("register %s: peer address %q: %w", name, peer, err)
	}
	port := data.Port
	if port <= 0 {
		port = h.defaultPort
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))

	if err := h.orch.Register(ctx, name, address); err != nil {
		return err
	}
	h.logger.Debug("register handled", "request", msg, "peer", peer.String())

	reply, err := protocol.Reply(msg, protocol.TypeRegistered, name, protocol.RegisteredData{Status: protocol.StatusRegistered})
	if err != nil {
		return err
	}
	return w.Reply(reply)
}
