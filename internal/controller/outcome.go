package controller

import (
	"fmt"
	"sort"
	"time"

	"github.com/HsiangNianian/snyper/internal/protocol"
	"github.com/HsiangNianian/snyper/internal/transport"
)

// Outcome states. The first five echo a target's reply; the rest are
// assigned by the controller.
const (
	StateAlive         = protocol.StatusAlive
	StateStanding      = protocol.StatusStanding
	StateDown          = protocol.StatusDown
	StateCommandQueued = protocol.StatusCommandQueued
	StateActivated     = protocol.StatusActivated

	// StateUnknown is a reply that arrived but did not fit the request.
	StateUnknown = "unknown"
	// StateError is an error reply from the target.
	StateError = "error"
	// StateUnreachable is a timeout or connection failure.
	StateUnreachable = "unreachable"
)

// Outcome is one target's result within a fleet operation.
type Outcome struct {
	Target    string           `json:"target"`
	Address   string           `json:"address"`
	Transport transport.Status `json:"transport"`
	State     string           `json:"state"`
	Error     string           `json:"error,omitempty"`
	Duration  int              `json:"duration,omitempty"`
	Hit       bool             `json:"hit"`
	HitValue  int              `json:"hit_value,omitempty"`
	ElapsedMS int64            `json:"elapsed_ms"`
	Attempts  int              `json:"attempts"`
}

// Alive reports a correlated pong with status alive.
func (o Outcome) Alive() bool {
	return o.Transport == transport.StatusSuccess && o.State == StateAlive
}

// Unreachable reports a target that timed out or refused the connection.
// Such targets are removed by Cleanup.
func (o Outcome) Unreachable() bool {
	return o.Transport == transport.StatusTimeout || o.Transport == transport.StatusConnectionError
}

// Results maps target name to outcome. It holds one entry for every target
// registered when the operation started.
type Results map[string]Outcome

// Names returns the target names in sorted order.
func (r Results) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns how many outcomes satisfy pred.
func (r Results) Count(pred func(Outcome) bool) int {
	n := 0
	for _, o := range r {
		if pred(o) {
			n++
		}
	}
	return n
}

// interpret turns a transport result into an outcome for a request of type
// req.
func interpret(req protocol.Type, res transport.Result) Outcome {
	out := Outcome{
		Transport: res.Status,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	switch res.Status {
	case transport.StatusSuccess:
	case transport.StatusProtocolError:
		out.State = StateUnknown
		out.Error = errString(res.Err)
		return out
	default:
		out.State = StateUnreachable
		out.Error = errString(res.Err)
		return out
	}

	reply := res.Message
	if reply.Type() == protocol.TypeError {
		out.State = StateError
		if data, ok := reply.Payload().(protocol.ErrorData); ok {
			out.Error = data.Error
		}
		return out
	}
	if want, _ := req.ResponseType(); reply.Type() != want {
		out.State = StateUnknown
		out.Error = fmt.Sprintf("unexpected reply type %s to %s", reply.Type(), req)
		return out
	}

	out.State = StateUnknown
	switch data := reply.Payload().(type) {
	case protocol.PongData:
		if data.Status == protocol.StatusAlive {
			out.State = StateAlive
		}
	case protocol.StandingData:
		if data.Status == protocol.StatusStanding || data.Status == protocol.StatusCommandQueued {
			out.State = data.Status
		}
	case protocol.DownData:
		if data.Status == protocol.StatusDown || data.Status == protocol.StatusCommandQueued {
			out.State = data.Status
		}
	case protocol.ActivatedData:
		if data.Status == protocol.StatusActivated {
			out.State = StateActivated
			out.Duration = data.Duration
			out.Hit = data.Hit == 1
			out.HitValue = data.HitValue
		}
	}
	if out.State == StateUnknown {
		out.Error = fmt.Sprintf("unexpected %s status", reply.Type())
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func elapsedSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
