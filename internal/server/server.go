// Package server is the listener shared by the controller and target roles.
// It accepts TCP connections, frames each stream into protocol messages and
// hands every message to a role-specific Handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/HsiangNianian/snyper/internal/protocol"
)

// DefaultIdleTimeout closes a connection that sends nothing for this long.
const DefaultIdleTimeout = 60 * time.Second

// DefaultWriteTimeout bounds every reply write.
const DefaultWriteTimeout = 10 * time.Second

const readChunk = 1024

// ErrHandlerPanic wraps a panic recovered from a Handler.
var ErrHandlerPanic = errors.New("handler panicked")

// ReplyWriter sends messages back over the connection a request arrived on.
// It is safe for concurrent use.
type ReplyWriter interface {
	Reply(msg protocol.Message) error
}

// Handler processes one decoded message. A returned error (or a panic) is
// answered with an error message carrying the request id, after which the
// connection is closed.
type Handler interface {
	Handle(ctx context.Context, msg protocol.Message, peer net.Addr, reply ReplyWriter) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg protocol.Message, peer net.Addr, reply ReplyWriter) error

func (f HandlerFunc) Handle(ctx context.Context, msg protocol.Message, peer net.Addr, reply ReplyWriter) error {
	return f(ctx, msg, peer, reply)
}

// Server accepts connections and dispatches their messages to a Handler.
type Server struct {
	// NodeID is stamped as target_id on error replies the server sends.
	NodeID       string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	handler  Handler
	logger   *slog.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	// closed is set once shutdown has closed the tracked connections.
	closed bool

	// active tracks connection goroutines; Serve waits for them on return.
	active sync.WaitGroup
}

// New returns a Server that dispatches to handler.
func New(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		IdleTimeout:  DefaultIdleTimeout,
		WriteTimeout: DefaultWriteTimeout,
		handler:      handler,
		logger:       logger,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Listen binds the TCP address. Use "127.0.0.1:0" for an ephemeral port.
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds address and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	if err := s.Listen(address); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and every open connection and waits for their goroutines to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.closeConnections()
	}()

	s.logger.Info("socket server listening", "address", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	s.logger.Info("socket server stopped", "address", s.listener.Addr().String())
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr()
	logger := s.logger.With("peer", peer.String())
	logger.Debug("connection accepted")

	framer := protocol.NewFramer(logger)
	writer := &connWriter{conn: conn, timeout: s.WriteTimeout}
	buf := make([]byte, readChunk)

	for {
		if s.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			for _, msg := range framer.Feed(buf[:n]) {
				if err := s.dispatch(ctx, msg, peer, writer, logger); err != nil {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read ended", "error", err)
			}
			return
		}
	}
}

// dispatch runs the handler and converts failures into an error reply.
func (s *Server) dispatch(ctx context.Context, msg protocol.Message, peer net.Addr, w *connWriter, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		if err == nil {
			return
		}
		logger.Error("handler failed", "request", msg, "error", err)
		reply, buildErr := protocol.ErrorReply(msg, s.NodeID, err.Error())
		if buildErr != nil {
			return
		}
		if writeErr := w.Reply(reply); writeErr != nil {
			logger.Debug("error reply not delivered", "request", msg, "error", writeErr)
		}
	}()
	return s.handler.Handle(ctx, msg, peer, w)
}

// track registers conn for shutdown. It refuses once shutdown has started.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
}

// connWriter serializes replies onto one connection.
type connWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (w *connWriter) Reply(msg protocol.Message) error {
	line, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if _, err := w.conn.Write(line); err != nil {
		return fmt.Errorf("write reply %s: %w", msg, err)
	}
	return nil
}
