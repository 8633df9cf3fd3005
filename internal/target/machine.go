// Package target implements the target role: a socket handler that turns
// protocol commands into queued hardware actions, and the state machine that
// executes them one at a time.
package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/HsiangNianian/snyper/internal/metrics"
	"github.com/HsiangNianian/snyper/internal/protocol"
)

// DefaultPollInterval samples the hit sensor at 100 Hz.
const DefaultPollInterval = 10 * time.Millisecond

// DefaultHitValue is reported for a hit when none is configured.
const DefaultHitValue = 10

var (
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrShuttingDown       = errors.New("target shutting down")
)

type State int32

const (
	StateIdle State = iota
	StateStanding
	StateActivating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStanding:
		return "standing"
	case StateActivating:
		return "activating"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ActionResult is what the machine reports for one executed command.
type ActionResult struct {
	Command  protocol.Type
	State    State
	Hit      bool
	HitValue int
	Duration time.Duration
	Elapsed  time.Duration
	Err      error
}

type MachineConfig struct {
	HitValue     int
	PollInterval time.Duration
}

// Machine drives the peripheral. Commands come only through its queue and
// run strictly one after another.
type Machine struct {
	peripheral   Peripheral
	queue        *Queue
	hitValue     int
	pollInterval time.Duration
	metrics      *metrics.Target
	logger       *slog.Logger

	state atomic.Int32
	// pending counts commands submitted and not yet answered.
	pending atomic.Int32
}

func NewMachine(p Peripheral, q *Queue, cfg MachineConfig, m *metrics.Target, logger *slog.Logger) *Machine {
	if cfg.HitValue <= 0 {
		cfg.HitValue = DefaultHitValue
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		peripheral:   p,
		queue:        q,
		hitValue:     cfg.HitValue,
		pollInterval: cfg.PollInterval,
		metrics:      m,
		logger:       logger,
	}
}

// Submit queues cmd behind any command in flight. queued reports that
// another command was pending when cmd was accepted.
func (m *Machine) Submit(cmd PendingCommand) (queued bool, err error) {
	switch cmd.Command {
	case protocol.TypeStandUp, protocol.TypeLayDown, protocol.TypeActivate:
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Command)
	}
	queued = m.pending.Add(1) > 1
	if err := m.queue.Push(cmd); err != nil {
		m.pending.Add(-1)
		return false, err
	}
	return queued, nil
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// Idle reports that nothing is executing and nothing is waiting.
func (m *Machine) Idle() bool {
	return m.pending.Load() == 0
}

// Run consumes the queue until ctx ends. Commands still queued at that
// point are answered with ErrShuttingDown.
func (m *Machine) Run(ctx context.Context) error {
	m.logger.Info("action machine started", "poll_interval", m.pollInterval, "hit_value", m.hitValue)
	for {
		cmd, ok := m.queue.Pop(ctx)
		if !ok {
			break
		}
		res := m.execute(ctx, cmd)
		m.respond(cmd, res)
	}

	for {
		cmd, ok := m.queue.TryPop()
		if !ok {
			break
		}
		m.respond(cmd, ActionResult{Command: cmd.Command, State: m.State(), Err: ErrShuttingDown})
	}
	m.logger.Info("action machine stopped")
	return nil
}

func (m *Machine) respond(cmd PendingCommand, res ActionResult) {
	if cmd.Respond != nil {
		cmd.Respond(res)
	}
	m.pending.Add(-1)
}

func (m *Machine) execute(ctx context.Context, cmd PendingCommand) ActionResult {
	m.metrics.ObserveCommand(string(cmd.Command))
	logger := m.logger.With("command", string(cmd.Command), "request_id", cmd.RequestID)

	var res ActionResult
	switch cmd.Command {
	case protocol.TypeStandUp:
		res = m.standUp(ctx)
	case protocol.TypeLayDown:
		res = m.layDown(ctx)
	case protocol.TypeActivate:
		res = m.activate(ctx, cmd.Duration)
	default:
		res = ActionResult{Command: cmd.Command, State: m.State(), Err: fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Command)}
	}

	if res.Err != nil {
		logger.Error("command failed", "state", res.State.String(), "error", res.Err)
	} else {
		logger.Info("command done", "state", res.State.String(), "hit", res.Hit, "elapsed", res.Elapsed)
	}
	return res
}

func (m *Machine) standUp(ctx context.Context) ActionResult {
	res := ActionResult{Command: protocol.TypeStandUp}
	if err := m.peripheral.Raise(ctx); err != nil {
		res.Err = fmt.Errorf("raise: %w", err)
	} else {
		m.setState(StateStanding)
	}
	res.State = m.State()
	return res
}

func (m *Machine) layDown(ctx context.Context) ActionResult {
	res := ActionResult{Command: protocol.TypeLayDown}
	if err := m.peripheral.Lower(ctx); err != nil {
		res.Err = fmt.Errorf("lower: %w", err)
	} else {
		m.setState(StateIdle)
	}
	res.State = m.State()
	return res
}

// activate raises the target, polls the sensor until a hit or until window
// elapses, then lowers it. Lowering happens on every path.
func (m *Machine) activate(ctx context.Context, window time.Duration) ActionResult {
	res := ActionResult{Command: protocol.TypeActivate, Duration: window}
	m.setState(StateActivating)

	var hitErr error
	if err := m.peripheral.Raise(ctx); err != nil {
		hitErr = fmt.Errorf("raise: %w", err)
	} else {
		start := time.Now()
		res.Hit, hitErr = m.pollForHit(ctx, window)
		res.Elapsed = time.Since(start)
	}

	// The target must come down even when the caller has gone away.
	lowerErr := m.peripheral.Lower(context.WithoutCancel(ctx))
	if lowerErr != nil {
		lowerErr = fmt.Errorf("lower: %w", lowerErr)
		m.setState(StateStanding)
	} else {
		m.setState(StateIdle)
	}

	res.Err = errors.Join(hitErr, lowerErr)
	res.State = m.State()
	if res.Hit {
		res.HitValue = m.hitValue
	}
	if hitErr == nil {
		m.metrics.ObserveActivation(res.Elapsed, res.Hit)
	}
	return res
}

// pollForHit samples the sensor every poll interval. Waiting on the ticker
// between samples leaves the connection goroutines free to run.
func (m *Machine) pollForHit(ctx context.Context, window time.Duration) (bool, error) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if m.peripheral.HitDetected() {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
}
