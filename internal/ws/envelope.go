package ws

import (
	"encoding/json"
	"time"

	"github.com/HsiangNianian/snyper/internal/controller"
)

// Panel envelope types.
const (
	TypeAction    = "action"
	TypeActionAck = "action_ack"
	TypeResults   = "results"
	TypeError     = "error"
)

// Envelope is one message on the panel websocket.
type Envelope struct {
	MsgID     string          `json:"msg_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ActionPayload asks the controller to run a fleet operation.
type ActionPayload struct {
	Action   string `json:"action"`
	Duration int    `json:"duration,omitempty"`
}

type ActionAckPayload struct {
	ActionMsgID string `json:"action_msg_id"`
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
}

// ResultsPayload carries the outcome of a finished fleet operation.
type ResultsPayload struct {
	Op      string             `json:"op"`
	Results controller.Results `json:"results"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(msgID, typ string, payload any) Envelope {
	return Envelope{
		MsgID:     msgID,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(payload),
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
