package protocol

import (
	"encoding/json"
	"fmt"
)

// Status values carried in response payloads.
const (
	StatusAlive         = "alive"
	StatusStanding      = "standing"
	StatusDown          = "down"
	StatusCommandQueued = "command_queued"
	StatusActivated     = "activated"
	StatusRegistered    = "registered"
)

// Payload is the data section of a message. Each message type has exactly
// one payload variant.
type Payload interface {
	MessageType() Type
}

type PingData struct{}

type PongData struct {
	Status string `json:"status,omitempty"`
}

type StandUpData struct{}

type StandingData struct {
	Status string `json:"status,omitempty"`
}

type LayDownData struct{}

type DownData struct {
	Status string `json:"status,omitempty"`
}

// ActivateData asks a target to stand for Duration seconds waiting for a hit.
type ActivateData struct {
	Duration int `json:"duration"`
}

// ActivatedData reports the outcome of an activation. Hit is 1 when the
// sensor tripped before the window closed and 0 otherwise.
type ActivatedData struct {
	Status    string `json:"status,omitempty"`
	Duration  int    `json:"duration"`
	Hit       int    `json:"hit"`
	HitValue  int    `json:"hit_value"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// RegisterData announces a target to the controller. Port is the target's
// command listener port; zero means the controller's default.
type RegisterData struct {
	ClientID string `json:"client_id"`
	Port     int    `json:"port,omitempty"`
}

type RegisteredData struct {
	Status string `json:"status,omitempty"`
}

type ErrorData struct {
	Error string `json:"error"`
}

func (PingData) MessageType() Type { return TypePing }
func (PongData) MessageType() Type { return TypePong }
func (StandUpData) MessageType() Type { return TypeStandUp }
func (StandingData) MessageType() Type { return TypeStanding }
func (LayDownData) MessageType() Type { return TypeLayDown }
func (DownData) MessageType() Type { return TypeDown }
func (ActivateData) MessageType() Type { return TypeActivate }
func (ActivatedData) MessageType() Type { return TypeActivated }
func (RegisterData) MessageType() Type { return TypeRegister }
func (RegisteredData) MessageType() Type { return TypeRegistered }
func (ErrorData) MessageType() Type { return TypeError }

func emptyPayload(t Type) Payload {
	switch t {
	case TypePing:
		return PingData{}
	case TypePong:
		return PongData{}
	case TypeStandUp:
		return StandUpData{}
	case TypeStanding:
		return StandingData{}
	case TypeLayDown:
		return LayDownData{}
	case TypeDown:
		return DownData{}
	case TypeActivate:
		return ActivateData{}
	case TypeActivated:
		return ActivatedData{}
	case TypeRegister:
		return RegisterData{}
	case TypeRegistered:
		return RegisteredData{}
	case TypeError:
		return ErrorData{}
	}
	return nil
}

// decodePayload unmarshals raw into the payload variant for t. A missing
// or null data section yields the zero variant.
func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypePing:
		p, err = unmarshalInto[PingData](raw)
	case TypePong:
		p, err = unmarshalInto[PongData](raw)
	case TypeStandUp:
		p, err = unmarshalInto[StandUpData](raw)
	case TypeStanding:
		p, err = unmarshalInto[StandingData](raw)
	case TypeLayDown:
		p, err = unmarshalInto[LayDownData](raw)
	case TypeDown:
		p, err = unmarshalInto[DownData](raw)
	case TypeActivate:
		p, err = unmarshalInto[ActivateData](raw)
	case TypeActivated:
		p, err = unmarshalInto[ActivatedData](raw)
	case TypeRegister:
		p, err = unmarshalInto[RegisterData](raw)
	case TypeRegistered:
		p, err = unmarshalInto[RegisteredData](raw)
	case TypeError:
		p, err = unmarshalInto[ErrorData](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: data for %s: %v", ErrMalformedMessage, t, err)
	}
	return p, nil
}

func unmarshalInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
