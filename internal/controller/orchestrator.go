// Package controller implements the controller role: the target registry and
// the fleet operations that fan a command out to every registered target.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HsiangNianian/snyper/internal/metrics"
	"github.com/HsiangNianian/snyper/internal/protocol"
	"github.com/HsiangNianian/snyper/internal/store"
	"github.com/HsiangNianian/snyper/internal/transport"
)

// Fleet operation names, used in logs, metrics and observer events.
const (
	OpPing     = "ping_all"
	OpRaise    = "raise_all"
	OpLower    = "lower_all"
	OpActivate = "activate_all"
	OpCleanup  = "cleanup"
)

// ErrInvalidDuration rejects activations that could never be hit.
var ErrInvalidDuration = errors.New("activation duration must be positive")

// Observer receives the complete result set of every fleet operation.
type Observer interface {
	FanoutCompleted(op string, results Results)
}

type Options struct {
	// Timeout bounds each per-target call. Activation calls get the
	// activation duration on top.
	Timeout time.Duration
	// Retry applies to ping, raise and lower. Activation is never retried
	// because a repeated attempt would run the hardware twice.
	Retry    RetryPolicy
	Observer Observer
	Metrics  *metrics.Controller
	Logger   *slog.Logger
}

// Orchestrator owns the target registry and runs fleet operations.
type Orchestrator struct {
	store    store.Store
	sender   transport.Sender
	timeout  time.Duration
	retry    RetryPolicy
	observer Observer
	metrics  *metrics.Controller
	logger   *slog.Logger

	observerMu sync.RWMutex
}

func New(st store.Store, sender transport.Sender, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = transport.DefaultTimeout
	}
	if opts.Retry == nil {
		opts.Retry = NoRetry{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		sender:   sender,
		timeout:  opts.Timeout,
		retry:    opts.Retry,
		observer: opts.Observer,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// SetObserver replaces the observer. Pass nil to stop notifications.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.observerMu.Lock()
	o.observer = obs
	o.observerMu.Unlock()
}

// Register records name at address. Registering an existing name replaces
// its address.
func (o *Orchestrator) Register(ctx context.Context, name, address string) error {
	if name == "" || address == "" {
		return errors.New("target name and address are required")
	}
	if err := o.store.SetTarget(ctx, name, address); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	o.logger.Info("target registered", "target", name, "address", address)
	o.refreshGauge(ctx)
	return nil
}

// Remove deletes name from the registry.
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	if err := o.store.DeleteTarget(ctx, name); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	o.logger.Info("target removed", "target", name)
	o.refreshGauge(ctx)
	return nil
}

// Targets returns a sorted snapshot of the registry.
func (o *Orchestrator) Targets(ctx context.Context) ([]store.Target, error) {
	return o.store.ListTargets(ctx)
}

func (o *Orchestrator) PingAll(ctx context.Context) (Results, error) {
	return o.fanOut(ctx, OpPing, protocol.TypePing, protocol.PingData{}, o.timeout, o.retry)
}

func (o *Orchestrator) RaiseAll(ctx context.Context) (Results, error) {
	return o.fanOut(ctx, OpRaise, protocol.TypeStandUp, protocol.StandUpData{}, o.timeout, o.retry)
}

func (o *Orchestrator) LowerAll(ctx context.Context) (Results, error) {
	return o.fanOut(ctx, OpLower, protocol.TypeLayDown, protocol.LayDownData{}, o.timeout, o.retry)
}

// ActivateAll activates every target for duration seconds and waits for
// each one's hit or timeout report.
func (o *Orchestrator) ActivateAll(ctx context.Context, duration int) (Results, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDuration, duration)
	}
	timeout := o.timeout + time.Duration(duration)*time.Second
	return o.fanOut(ctx, OpActivate, protocol.TypeActivate, protocol.ActivateData{Duration: duration}, timeout, NoRetry{})
}

// Cleanup pings every target and removes the unreachable ones from the
// registry. It returns the ping results.
func (o *Orchestrator) Cleanup(ctx context.Context) (Results, error) {
	results, err := o.fanOut(ctx, OpCleanup, protocol.TypePing, protocol.PingData{}, o.timeout, o.retry)
	if err != nil {
		return nil, err
	}

	removed := 0
	for _, name := range results.Names() {
		out := results[name]
		if !out.Unreachable() {
			continue
		}
		err := o.store.DeleteTargetIf(ctx, name, out.Address)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case errors.Is(err, store.ErrAddressChanged):
			o.logger.Info("target re-registered during cleanup, keeping it", "target", name, "stale_address", out.Address)
			continue
		case err != nil:
			o.logger.Error("cleanup remove failed", "target", name, "error", err)
			continue
		}
		removed++
		o.logger.Info("removed unreachable target", "target", name, "address", out.Address, "transport", out.Transport.String())
	}

	o.metrics.AddRemoved(removed)
	o.refreshGauge(ctx)
	o.logger.Info("cleanup complete", "checked", len(results), "removed", removed)
	return results, nil
}

// fanOut sends one request per registered target concurrently. Each call
// carries its own timeout; a failing target only affects its own outcome.
func (o *Orchestrator) fanOut(ctx context.Context, op string, typ protocol.Type, payload protocol.Payload, timeout time.Duration, retry RetryPolicy) (Results, error) {
	targets, err := o.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list targets: %w", op, err)
	}

	start := time.Now()
	results := make(Results, len(targets))
	if len(targets) == 0 {
		o.logger.Warn("no targets registered", "op", op)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, target := range targets {
		target := target // per-iteration copy; needed while go.mod targets go < 1.22
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := o.call(ctx, typ, payload, target, timeout, retry)
			mu.Lock()
			results[target.Name] = out
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, name := range results.Names() {
		out := results[name]
		o.metrics.ObserveOutcome(op, out.Transport.String())
		if out.Transport != transport.StatusSuccess || out.State == StateError || out.State == StateUnknown {
			o.logger.Warn("target call failed",
				"op", op,
				"target", name,
				"address", out.Address,
				"transport", out.Transport.String(),
				"state", out.State,
				"error", out.Error,
			)
		}
	}
	o.metrics.ObserveFanout(op, time.Since(start))
	o.logger.Info("fleet operation finished",
		"op", op,
		"targets", len(results),
		"ok", results.Count(func(out Outcome) bool { return out.Transport == transport.StatusSuccess && out.State != StateError && out.State != StateUnknown }),
		"elapsed", time.Since(start),
	)

	o.notify(op, results)
	return results, nil
}

// call runs one target's request, applying the retry policy. Every attempt
// is a fresh message with its own correlation id.
func (o *Orchestrator) call(ctx context.Context, typ protocol.Type, payload protocol.Payload, target store.Target, timeout time.Duration, retry RetryPolicy) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{State: StateError, Error: fmt.Sprintf("internal error: %v", r)}
		}
		out.Target = target.Name
		out.Address = target.Address
		out.ElapsedMS = elapsedSince(start)
	}()

	for attempt := 1; ; attempt++ {
		msg, err := protocol.New(typ, protocol.WithTargetID(target.Name), protocol.WithPayload(payload))
		if err != nil {
			return Outcome{State: StateError, Error: err.Error(), Attempts: attempt}
		}
		res := o.sender.SendAndWait(ctx, msg, target.Address, timeout)
		out = interpret(typ, res)
		out.Attempts = attempt

		delay, again := retry.Next(attempt, res)
		if !again {
			return out
		}
		o.logger.Debug("retrying target call", "target", target.Name, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return out
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) notify(op string, results Results) {
	o.observerMu.RLock()
	obs := o.observer
	o.observerMu.RUnlock()
	if obs != nil {
		obs.FanoutCompleted(op, results)
	}
}

func (o *Orchestrator) refreshGauge(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	targets, err := o.store.ListTargets(ctx)
	if err != nil {
		return
	}
	o.metrics.SetTargets(len(targets))
}
