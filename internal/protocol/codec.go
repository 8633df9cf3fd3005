package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Delimiter terminates every encoded record.
const Delimiter = '\n'

type wireMessage struct {
	Type      *string         `json:"type"`
	ID        *string         `json:"id"`
	Timestamp *float64        `json:"timestamp,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

var emptyObject = []byte("{}")

// Encode renders m as one delimiter-terminated record. An empty payload is
// omitted from the record.
func Encode(m Message) ([]byte, error) {
	if !m.typ.Valid() {
		return nil, fmt.Errorf("encode: %w: %q", ErrInvalidMessageType, m.typ)
	}
	typ := string(m.typ)
	id := m.id
	ts := m.timestamp
	w := wireMessage{
		Type:      &typ,
		ID:        &id,
		Timestamp: &ts,
		TargetID:  m.targetID,
	}
	if m.payload != nil {
		data, err := json.Marshal(m.payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", m.typ, err)
		}
		if !bytes.Equal(data, emptyObject) {
			w.Data = data
		}
	}
	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.typ, err)
	}
	return append(out, Delimiter), nil
}

// Decode parses one record, with or without its trailing delimiter. It fails
// with ErrMalformedMessage when the record is not a JSON object or lacks a
// type or id, and additionally wraps ErrInvalidMessageType when the type is
// unknown.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, fmt.Errorf("%w: empty record", ErrMalformedMessage)
	}
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Type == nil || *w.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if w.ID == nil || *w.ID == "" {
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	t := Type(*w.Type)
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %w: %q", ErrMalformedMessage, ErrInvalidMessageType, *w.Type)
	}
	p, err := decodePayload(t, w.Data)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		typ:      t,
		id:       *w.ID,
		targetID: w.TargetID,
		payload:  p,
	}
	if w.Timestamp != nil {
		m.timestamp = *w.Timestamp
	} else {
		m.timestamp = Now()
	}
	return m, nil
}
