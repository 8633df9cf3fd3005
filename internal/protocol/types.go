// Package protocol implements the line-delimited JSON wire protocol spoken
// between the controller and its targets.
//
// Every record is a single JSON object terminated by '\n':
//
//	{"type":"ping","id":"...","timestamp":1699123456.789,"target_id":"t1","data":{}}
//
// Messages are immutable values. A response always carries the id of the
// request that produced it.
package protocol

import (
	"errors"
	"fmt"
)

// Type is the tag of a wire message. Only the constants below are valid.
type Type string

const (
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeStandUp    Type = "stand_up"
	TypeStanding   Type = "standing"
	TypeLayDown    Type = "lay_down"
	TypeDown       Type = "down"
	TypeActivate   Type = "activate"
	TypeActivated  Type = "activated"
	TypeRegister   Type = "register"
	TypeRegistered Type = "registered"
	TypeError      Type = "error"
)

var (
	// ErrInvalidMessageType is returned when a message is built or decoded
	// with a tag outside the fixed set.
	ErrInvalidMessageType = errors.New("invalid message type")

	// ErrMalformedMessage is returned by Decode when a record is not a
	// well-formed message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrPayloadMismatch is returned when a payload variant is attached to a
	// message of a different type.
	ErrPayloadMismatch = errors.New("payload does not match message type")
)

// Types lists every valid message type in protocol order.
var Types = []Type{
	TypePing, TypePong,
	TypeStandUp, TypeStanding,
	TypeLayDown, TypeDown,
	TypeActivate, TypeActivated,
	TypeRegister, TypeRegistered,
	TypeError,
}

var validTypes = func() map[Type]struct{} {
	m := make(map[Type]struct{}, len(Types))
	for _, t := range Types {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is one of the protocol's message types.
func (t Type) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

// ParseType converts s into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, s)
	}
	return t, nil
}

// ResponseType returns the type a successful response to t carries.
// The second result is false for types that are themselves responses.
func (t Type) ResponseType() (Type, bool) {
	switch t {
	case TypePing:
		return TypePong, true
	case TypeStandUp:
		return TypeStanding, true
	case TypeLayDown:
		return TypeDown, true
	case TypeActivate:
		return TypeActivated, true
	case TypeRegister:
		return TypeRegistered, true
	}
	return "", false
}
