package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HsiangNianian/snyper/internal/protocol"
	"github.com/HsiangNianian/snyper/internal/transport"
)

// DefaultRegisterInterval separates registration attempts.
const DefaultRegisterInterval = 5 * time.Second

var ErrRegistrationFailed = errors.New("registration failed")

// Registrar announces a target to its controller.
type Registrar struct {
	Sender         transport.Sender
	ControllerAddr string
	NodeID         string
	// Port is the target's command listener port sent with the
	// registration; zero leaves it to the controller's default.
	Port int
	// Attempts caps the tries; zero retries until ctx ends.
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Register sends register until the controller answers registered.
func (r *Registrar) Register(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRegisterInterval
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; r.Attempts <= 0 || attempt <= r.Attempts; attempt++ {
		lastErr = r.once(ctx)
		if lastErr == nil {
			logger.Info("registered with controller", "controller", r.ControllerAddr, "node_id", r.NodeID, "attempt", attempt)
			return nil
		}
		logger.Warn("registration attempt failed", "controller", r.ControllerAddr, "attempt", attempt, "error", lastErr)

		if r.Attempts > 0 && attempt >= r.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrRegistrationFailed, ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w: %w", ErrRegistrationFailed, lastErr)
}

func (r *Registrar) once(ctx context.Context) error {
	msg, err := protocol.New(protocol.TypeRegister,
		protocol.WithTargetID(r.NodeID),
		protocol.WithPayload(protocol.RegisterData{ClientID: r.NodeID, Port: r.Port}),
	)
	if err != nil {
		return err
	}
	res := r.Sender.SendAndWait(ctx, msg, r.ControllerAddr, r.Timeout)
	if !res.OK() {
		return fmt.Errorf("%s: %w", res.Status, res.Err)
	}
	switch data := res.Message.Payload().(type) {
	case protocol.RegisteredData:
		return nil
	case protocol.ErrorData:
		return fmt.Errorf("controller refused: %s", data.Error)
	}
	return fmt.Errorf("unexpected reply %s", res.Message.Type())
}
