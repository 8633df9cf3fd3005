package protocol

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message is one protocol record. The zero value is not a valid message;
// build messages with New or Reply, or obtain them from Decode.
type Message struct {
	typ       Type
	id        string
	timestamp float64
	targetID  string
	payload   Payload
}

// Option customizes a message built by New.
type Option func(*Message)

// WithID sets the correlation id. An empty id is replaced by a generated one.
func WithID(id string) Option {
	return func(m *Message) { m.id = id }
}

// WithTargetID sets the optional target id.
func WithTargetID(targetID string) Option {
	return func(m *Message) { m.targetID = targetID }
}

// WithPayload attaches the data section. The payload variant must match the
// message type.
func WithPayload(p Payload) Option {
	return func(m *Message) { m.payload = p }
}

// WithTimestamp overrides the creation timestamp, in seconds since the epoch.
func WithTimestamp(ts float64) Option {
	return func(m *Message) { m.timestamp = ts }
}

// New builds a message of type t. It fails with ErrInvalidMessageType when t
// is not a protocol type and with ErrPayloadMismatch when the attached
// payload belongs to another type.
func New(t Type, opts ...Option) (Message, error) {
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, t)
	}
	m := Message{typ: t}
	for _, opt := range opts {
		opt(&m)
	}
	if m.id == "" {
		m.id = NewID()
	}
	if m.timestamp == 0 {
		m.timestamp = Now()
	}
	if m.payload == nil {
		m.payload = emptyPayload(t)
	} else if m.payload.MessageType() != t {
		return Message{}, fmt.Errorf("%w: %s payload on %s message", ErrPayloadMismatch, m.payload.MessageType(), t)
	}
	return m, nil
}

// Reply builds a response to req of type t, reusing req's correlation id.
func Reply(req Message, t Type, targetID string, p Payload) (Message, error) {
	return New(t, WithID(req.id), WithTargetID(targetID), WithPayload(p))
}

// ErrorReply builds an error response to req. It never fails for a request
// that carries an id.
func ErrorReply(req Message, targetID string, cause string) (Message, error) {
	return Reply(req, TypeError, targetID, ErrorData{Error: cause})
}

func (m Message) Type() Type { return m.typ }
func (m Message) ID() string { return m.id }
func (m Message) Timestamp() float64 { return m.timestamp }
func (m Message) TargetID() string { return m.targetID }
func (m Message) Payload() Payload { return m.payload }
func (m Message) IsZero() bool { return m.typ == "" }
func (m Message) Time() time.Time { return time.UnixMicro(int64(m.timestamp * 1e6)) }
func (m Message) String() string { return fmt.Sprintf("%s(%s)", m.typ, m.id) }
func (m Message) LogValue() slog.Value { return slog.GroupValue(m.logAttrs()...) }

func (m Message) logAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("type", string(m.typ)),
		slog.String("id", m.id),
	}
	if m.targetID != "" {
		attrs = append(attrs, slog.String("target_id", m.targetID))
	}
	return attrs
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current time as protocol timestamp seconds.
func Now() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}
