package protocol

import (
	"bytes"
	"log/slog"
)

// MaxLineLength bounds a single buffered record. A partial line that grows
// past it is discarded up to its next delimiter.
const MaxLineLength = 64 << 10

// Framer incrementally splits a byte stream into messages. Reads may split
// or coalesce records arbitrarily; whatever follows the last delimiter stays
// buffered for the next Feed. A Framer is not safe for concurrent use.
type Framer struct {
	buf     []byte
	discard bool
	logger  *slog.Logger
}

// NewFramer returns an empty Framer that reports dropped lines to logger.
func NewFramer(logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{logger: logger}
}

// Feed appends p to the buffer and returns every message completed by it,
// in stream order. Lines that fail to decode are logged and skipped.
func (f *Framer) Feed(p []byte) []Message {
	f.buf = append(f.buf, p...)

	var out []Message
	start := 0
	for {
		idx := bytes.IndexByte(f.buf[start:], Delimiter)
		if idx < 0 {
			break
		}
		line := f.buf[start : start+idx]
		start += idx + 1

		if f.discard {
			f.discard = false
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			f.logger.Warn("dropping malformed line", "error", err, "bytes", len(line))
			continue
		}
		out = append(out, msg)
	}

	rest := copy(f.buf, f.buf[start:])
	f.buf = f.buf[:rest]

	if len(f.buf) > MaxLineLength {
		f.logger.Warn("discarding oversized partial line", "bytes", len(f.buf), "limit", MaxLineLength)
		f.buf = f.buf[:0]
		f.discard = true
	}
	return out
}

// Buffered returns the number of bytes held for an unfinished line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any buffered partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discard = false
}
