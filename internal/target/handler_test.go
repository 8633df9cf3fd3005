package target

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/HsiangNianian/snyper/internal/protocol"
	"github.com/HsiangNianian/snyper/internal/server"
	"github.com/HsiangNianian/snyper/internal/transport"
)

// startTarget runs a full target node on a loopback port and returns its
// address.
func startTarget(t *testing.T, p Peripheral, queueSize int) (string, *Machine) {
	t.Helper()
	logger := quietLogger()
	machine := NewMachine(p, NewQueue(queueSize, nil), MachineConfig{}, nil, logger)
	srv := server.New(NewHandler("target-1", machine, logger), logger)
	srv.NodeID = "target-1"
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	machineDone := make(chan struct{})
	serveDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		_ = machine.Run(ctx)
	}()
	go func() {
		defer close(serveDone)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-serveDone
		<-machineDone
	})
	return srv.Addr().String(), machine
}

func send(t *testing.T, addr string, typ protocol.Type, p protocol.Payload, timeout time.Duration) transport.Result {
	t.Helper()
	opts := []protocol.Option{protocol.WithTargetID("controller")}
	if p != nil {
		opts = append(opts, protocol.WithPayload(p))
	}
	msg, err := protocol.New(typ, opts...)
	if err != nil {
		t.Fatal(err)
	}
	res := transport.NewClient(timeout, quietLogger()).SendAndWait(context.Background(), msg, addr, timeout)
	if res.OK() && res.Message.ID() != msg.ID() {
		t.Fatalf("reply id %s, want %s", res.Message.ID(), msg.ID())
	}
	return res
}

func TestHandlerPing(t *testing.T) {
	addr, _ := startTarget(t, newFakePeripheral(0), 0)

	res := send(t, addr, protocol.TypePing, nil, time.Second)
	if !res.OK() {
		t.Fatalf("ping: %v %v", res.Status, res.Err)
	}
	pong, ok := res.Message.Payload().(protocol.PongData)
	if !ok || pong.Status != protocol.StatusAlive {
		t.Fatalf("reply = %v, want pong alive", res.Message)
	}
	if res.Message.TargetID() != "target-1" {
		t.Errorf("target_id = %q", res.Message.TargetID())
	}
}

func TestHandlerActivateHit(t *testing.T) {
	addr, _ := startTarget(t, newFakePeripheral(200*time.Millisecond), 0)

	res := send(t, addr, protocol.TypeActivate, protocol.ActivateData{Duration: 2}, 5*time.Second)
	if !res.OK() {
		t.Fatalf("activate: %v %v", res.Status, res.Err)
	}
	data, ok := res.Message.Payload().(protocol.ActivatedData)
	if !ok {
		t.Fatalf("reply = %v, want activated", res.Message)
	}
	if data.Status != protocol.StatusActivated || data.Duration != 2 || data.Hit != 1 || data.HitValue != DefaultHitValue {
		t.Errorf("activated = %+v", data)
	}
	if data.ElapsedMS < 200 || data.ElapsedMS > 2000 {
		t.Errorf("elapsed_ms = %d, want between 200 and 2000", data.ElapsedMS)
	}
}

func TestHandlerPingDuringActivation(t *testing.T) {
	addr, machine := startTarget(t, newFakePeripheral(0), 0)

	activated := make(chan transport.Result, 1)
	go func() {
		activated <- send(t, addr, protocol.TypeActivate, protocol.ActivateData{Duration: 1}, 5*time.Second)
	}()
	waitFor(t, func() bool { return machine.State() == StateActivating })

	start := time.Now()
	res := send(t, addr, protocol.TypePing, nil, time.Second)
	if !res.OK() {
		t.Fatalf("ping during activation: %v %v", res.Status, res.Err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("ping took %v while activating", d)
	}

	res = <-activated
	data, ok := res.Message.Payload().(protocol.ActivatedData)
	if !res.OK() || !ok || data.Hit != 0 || data.HitValue != 0 {
		t.Fatalf("activate = %v %v, want a miss", res.Status, res.Message)
	}
}

func TestHandlerStandUpAndLayDown(t *testing.T) {
	p := newFakePeripheral(0)
	addr, machine := startTarget(t, p, 0)

	res := send(t, addr, protocol.TypeStandUp, nil, time.Second)
	if data, ok := res.Message.Payload().(protocol.StandingData); !res.OK() || !ok || data.Status != protocol.StatusStanding {
		t.Fatalf("stand_up = %v %v", res.Status, res.Message)
	}
	if machine.State() != StateStanding {
		t.Errorf("state = %s", machine.State())
	}

	res = send(t, addr, protocol.TypeLayDown, nil, time.Second)
	if data, ok := res.Message.Payload().(protocol.DownData); !res.OK() || !ok || data.Status != protocol.StatusDown {
		t.Fatalf("lay_down = %v %v", res.Status, res.Message)
	}
	if machine.State() != StateIdle {
		t.Errorf("state = %s", machine.State())
	}
}

func TestHandlerQueuesMovementBehindActivation(t *testing.T) {
	p := newFakePeripheral(0)
	addr, machine := startTarget(t, p, 0)

	activated := make(chan transport.Result, 1)
	go func() {
		activated <- send(t, addr, protocol.TypeActivate, protocol.ActivateData{Duration: 1}, 5*time.Second)
	}()
	waitFor(t, func() bool { return machine.State() == StateActivating })

	res := send(t, addr, protocol.TypeStandUp, nil, time.Second)
	data, ok := res.Message.Payload().(protocol.StandingData)
	if !res.OK() || !ok || data.Status != protocol.StatusCommandQueued {
		t.Fatalf("stand_up while busy = %v %v, want command_queued", res.Status, res.Message)
	}

	<-activated
	waitFor(t, func() bool { return machine.Idle() })
	if got := p.log.String(); got != "raise,lower,raise" {
		t.Errorf("events = %s, want the queued raise after the activation", got)
	}
	if machine.State() != StateStanding {
		t.Errorf("state = %s, want standing", machine.State())
	}
}

func TestHandlerSimultaneousMovementsOnIdleTarget(t *testing.T) {
	p := newFakePeripheral(0)
	p.raiseDelay = 300 * time.Millisecond
	addr, machine := startTarget(t, p, 0)

	replies := make(chan transport.Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			replies <- send(t, addr, protocol.TypeStandUp, nil, 5*time.Second)
		}()
	}

	statuses := map[string]int{}
	for i := 0; i < 2; i++ {
		res := <-replies
		data, ok := res.Message.Payload().(protocol.StandingData)
		if !res.OK() || !ok {
			t.Fatalf("stand_up = %v %v", res.Status, res.Message)
		}
		statuses[data.Status]++
	}
	if statuses[protocol.StatusStanding] != 1 || statuses[protocol.StatusCommandQueued] != 1 {
		t.Errorf("statuses = %v, want one standing and one command_queued", statuses)
	}
	waitFor(t, func() bool { return machine.Idle() })
}

func TestHandlerRejects(t *testing.T) {
	addr, _ := startTarget(t, newFakePeripheral(0), 0)

	tests := []struct {
		name    string
		typ     protocol.Type
		payload protocol.Payload
		want    string
	}{
		{"zero duration", protocol.TypeActivate, protocol.ActivateData{Duration: 0}, "duration must be positive"},
		{"negative duration", protocol.TypeActivate, protocol.ActivateData{Duration: -3}, "duration must be positive"},
		{"register", protocol.TypeRegister, protocol.RegisterData{ClientID: "x"}, "unsupported command"},
		{"reply type", protocol.TypePong, nil, "unsupported command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := send(t, addr, tt.typ, tt.payload, time.Second)
			if !res.OK() {
				t.Fatalf("%v %v", res.Status, res.Err)
			}
			data, ok := res.Message.Payload().(protocol.ErrorData)
			if !ok || !strings.Contains(data.Error, tt.want) {
				t.Fatalf("reply = %v, want error containing %q", res.Message, tt.want)
			}
		})
	}
}

func TestHandlerQueueFull(t *testing.T) {
	addr, machine := startTarget(t, newFakePeripheral(0), 1)

	go send(t, addr, protocol.TypeActivate, protocol.ActivateData{Duration: 1}, 5*time.Second)
	waitFor(t, func() bool { return machine.State() == StateActivating })

	// Fills the single queue slot.
	res := send(t, addr, protocol.TypeStandUp, nil, time.Second)
	if !res.OK() {
		t.Fatalf("first queued command: %v %v", res.Status, res.Err)
	}

	res = send(t, addr, protocol.TypeLayDown, nil, time.Second)
	data, ok := res.Message.Payload().(protocol.ErrorData)
	if !res.OK() || !ok || data.Error != ErrQueueFull.Error() {
		t.Fatalf("reply = %v, want %q", res.Message, ErrQueueFull)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
