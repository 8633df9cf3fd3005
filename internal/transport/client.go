// Package transport implements the controller's one-shot request/response
// exchange: connect, send one message, wait for the matching reply, close.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/HsiangNianian/snyper/internal/protocol"
)

// DefaultTimeout bounds a whole exchange when the caller gives none.
const DefaultTimeout = 3 * time.Second

const readChunk = 1024

var (
	// ErrIDMismatch marks a reply whose id differs from the request's.
	ErrIDMismatch = errors.New("reply id does not match request")

	// ErrNoReply marks a connection closed by the peer before any reply.
	ErrNoReply = errors.New("connection closed before reply")

	// ErrUndecodableReply marks a peer that answered with bytes that never
	// formed a valid message.
	ErrUndecodableReply = errors.New("reply could not be decoded")
)

// Status classifies how an exchange ended.
type Status int

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusConnectionError
	StatusProtocolError
)

var statusNames = map[Status]string{
	StatusSuccess:         "success",
	StatusTimeout:         "timeout",
	StatusConnectionError: "connection_error",
	StatusProtocolError:   "protocol_error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown transport status %q", text)
}

// Result is the outcome of one exchange. Message holds the reply when one
// was decoded, including a mismatched one on StatusProtocolError.
type Result struct {
	Status  Status
	Message protocol.Message
	Err     error
	Elapsed time.Duration
}

// OK reports whether a correlated reply arrived.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Sender performs one exchange with the node at address.
type Sender interface {
	SendAndWait(ctx context.Context, msg protocol.Message, address string, timeout time.Duration) Result
}

// Client is the TCP Sender. The zero value is usable.
type Client struct {
	// Timeout applies when SendAndWait is called with a non-positive timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ Sender = (*Client)(nil)

// NewClient returns a Client with the given default timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{Timeout: timeout, Logger: logger}
}

// SendAndWait is the package-level form of Client.SendAndWait for a host and
// port pair.
func SendAndWait(ctx context.Context, msg protocol.Message, host string, port int, timeout time.Duration) Result {
	var c Client
	return c.SendAndWait(ctx, msg, net.JoinHostPort(host, strconv.Itoa(port)), timeout)
}

// SendAndWait opens one connection to address, writes msg, and waits up to
// timeout for the first reply. The connection is closed on every path.
// Cancelling ctx ends the exchange with StatusTimeout.
func (c *Client) SendAndWait(ctx context.Context, msg protocol.Message, address string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := c.exchange(ctx, msg, address)
	res.Elapsed = time.Since(start)

	c.logger().Debug("exchange finished",
		"address", address,
		"request", msg,
		"status", res.Status.String(),
		"elapsed", res.Elapsed,
	)
	return res
}

func (c *Client) exchange(ctx context.Context, msg protocol.Message, address string) Result {
	line, err := protocol.Encode(msg)
	if err != nil {
		return Result{Status: StatusProtocolError, Err: err}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return failure(ctx, fmt.Errorf("dial %s: %w", address, err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock a pending read if the caller cancels.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(line); err != nil {
		return failure(ctx, fmt.Errorf("write to %s: %w", address, err))
	}

	framer := protocol.NewFramer(c.logger())
	buf := make([]byte, readChunk)
	received := 0
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			received += n
			if msgs := framer.Feed(buf[:n]); len(msgs) > 0 {
				return correlate(msg, msgs[0])
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// The peer may close right after an unterminated reply.
			if msgs := framer.Feed([]byte{protocol.Delimiter}); len(msgs) > 0 {
				return correlate(msg, msgs[0])
			}
			if received > 0 {
				return Result{Status: StatusProtocolError, Err: fmt.Errorf("%s: %w", address, ErrUndecodableReply)}
			}
			return Result{Status: StatusConnectionError, Err: fmt.Errorf("%s: %w", address, ErrNoReply)}
		}
		return failure(ctx, fmt.Errorf("read from %s: %w", address, err))
	}
}

func correlate(req, reply protocol.Message) Result {
	if reply.ID() != req.ID() {
		return Result{
			Status:  StatusProtocolError,
			Message: reply,
			Err:     fmt.Errorf("%w: sent %s, got %s", ErrIDMismatch, req.ID(), reply.ID()),
		}
	}
	return Result{Status: StatusSuccess, Message: reply}
}

func failure(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return Result{Status: StatusTimeout, Err: fmt.Errorf("%w: %v", ctx.Err(), err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{Status: StatusTimeout, Err: err}
	}
	return Result{Status: StatusConnectionError, Err: err}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
