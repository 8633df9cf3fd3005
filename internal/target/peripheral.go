package target

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Peripheral is the target's hardware: one actuator and one hit sensor.
// Raise and Lower block until the movement is complete.
type Peripheral interface {
	Raise(ctx context.Context) error
	Lower(ctx context.Context) error
	HitDetected() bool
}

// Credentials identify the wireless network a target joins.
type Credentials struct {
	SSID     string
	Password string
}

// Network brings the node onto the controller's network and returns the
// local address it was given.
type Network interface {
	Connect(ctx context.Context, creds Credentials) (string, error)
}

// HostNetwork is the Network of a host whose link is managed by the OS. It
// reports the first non-loopback IPv4 address.
type HostNetwork struct{}

func (HostNetwork) Connect(_ context.Context, _ Credentials) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address")
}

// SimulatedPeripheral stands in for the servo and piezo sensor. The sensor
// trips HitAfter the target finishes rising, or whenever Trigger is called
// while the target is up. A zero HitAfter never trips on its own.
type SimulatedPeripheral struct {
	TravelTime time.Duration
	HitAfter   time.Duration

	mu        sync.Mutex
	up        bool
	raisedAt  time.Time
	triggered bool
	raises    int
	lowers    int
}

var _ Peripheral = (*SimulatedPeripheral)(nil)

func (p *SimulatedPeripheral) Raise(ctx context.Context) error {
	if err := p.travel(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = true
	p.raisedAt = time.Now()
	p.triggered = false
	p.raises++
	return nil
}

func (p *SimulatedPeripheral) Lower(ctx context.Context) error {
	if err := p.travel(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = false
	p.lowers++
	return nil
}

func (p *SimulatedPeripheral) HitDetected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.up {
		return false
	}
	if p.triggered {
		return true
	}
	return p.HitAfter > 0 && time.Since(p.raisedAt) >= p.HitAfter
}

// Trigger simulates a shot landing on the raised target.
func (p *SimulatedPeripheral) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.up {
		p.triggered = true
	}
}

func (p *SimulatedPeripheral) Up() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up
}

// Counts returns how many raises and lowers have completed.
func (p *SimulatedPeripheral) Counts() (raises, lowers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raises, p.lowers
}

func (p *SimulatedPeripheral) travel(ctx context.Context) error {
	if p.TravelTime <= 0 {
		return nil
	}
	t := time.NewTimer(p.TravelTime)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
