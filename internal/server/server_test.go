package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/HsiangNianian/snyper/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv := New(h, quietLogger())
	srv.NodeID = "node"
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return srv
}

// pongHandler answers ping with pong and fails everything else.
var pongHandler = HandlerFunc(func(_ context.Context, msg protocol.Message, _ net.Addr, w ReplyWriter) error {
	if msg.Type() != protocol.TypePing {
		return errors.New("unsupported message type " + string(msg.Type()))
	}
	pong, err := protocol.Reply(msg, protocol.TypePong, "node", protocol.PongData{Status: protocol.StatusAlive})
	if err != nil {
		return err
	}
	return w.Reply(pong)
})

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn, bufio.NewReader(conn)
}

func encode(t *testing.T, typ protocol.Type, id string) []byte {
	t.Helper()
	m, err := protocol.New(typ, protocol.WithID(id))
	if err != nil {
		t.Fatal(err)
	}
	line, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	return line
}

func readMessage(t *testing.T, r *bufio.Reader) protocol.Message {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	m, err := protocol.Decode(line)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return m
}

func TestServerRepliesToEachMessage(t *testing.T) {
	srv := startServer(t, pongHandler)
	conn, r := dial(t, srv)

	// Two requests and a malformed line coalesced into one write.
	var stream []byte
	stream = append(stream, encode(t, protocol.TypePing, "a")...)
	stream = append(stream, "garbage\n"...)
	stream = append(stream, encode(t, protocol.TypePing, "b")...)
	if _, err := conn.Write(stream); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"a", "b"} {
		got := readMessage(t, r)
		if got.Type() != protocol.TypePong || got.ID() != want {
			t.Fatalf("reply = %v, want pong(%s)", got, want)
		}
	}
}

func TestServerHandlerErrorRepliesAndCloses(t *testing.T) {
	srv := startServer(t, pongHandler)
	conn, r := dial(t, srv)

	if _, err := conn.Write(encode(t, protocol.TypeStandUp, "req-1")); err != nil {
		t.Fatal(err)
	}
	got := readMessage(t, r)
	if got.Type() != protocol.TypeError || got.ID() != "req-1" || got.TargetID() != "node" {
		t.Fatalf("reply = %v (target %q), want error(req-1) from node", got, got.TargetID())
	}
	if data, ok := got.Payload().(protocol.ErrorData); !ok || data.Error == "" {
		t.Errorf("error payload = %#v", got.Payload())
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected connection closed after handler failure, got %v", err)
	}
}

func TestServerRecoversHandlerPanic(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(_ context.Context, msg protocol.Message, _ net.Addr, w ReplyWriter) error {
		if msg.ID() == "boom" {
			panic("sensor exploded")
		}
		return pongHandler(context.Background(), msg, nil, w)
	}))

	conn, r := dial(t, srv)
	if _, err := conn.Write(encode(t, protocol.TypePing, "boom")); err != nil {
		t.Fatal(err)
	}
	got := readMessage(t, r)
	if got.Type() != protocol.TypeError || got.ID() != "boom" {
		t.Fatalf("reply = %v, want error(boom)", got)
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected connection closed after panic, got %v", err)
	}

	// The listener keeps serving.
	conn2, r2 := dial(t, srv)
	if _, err := conn2.Write(encode(t, protocol.TypePing, "after")); err != nil {
		t.Fatal(err)
	}
	if got := readMessage(t, r2); got.ID() != "after" {
		t.Fatalf("reply = %v, want pong(after)", got)
	}
}

func TestServerConnectionsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	srv := startServer(t, HandlerFunc(func(ctx context.Context, msg protocol.Message, peer net.Addr, w ReplyWriter) error {
		if msg.ID() == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return pongHandler(ctx, msg, peer, w)
	}))
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	slow, slowReader := dial(t, srv)
	if _, err := slow.Write(encode(t, protocol.TypePing, "slow")); err != nil {
		t.Fatal(err)
	}

	fast, fastReader := dial(t, srv)
	if _, err := fast.Write(encode(t, protocol.TypePing, "fast")); err != nil {
		t.Fatal(err)
	}
	if got := readMessage(t, fastReader); got.ID() != "fast" {
		t.Fatalf("reply = %v, want pong(fast)", got)
	}

	once.Do(func() { close(release) })
	if got := readMessage(t, slowReader); got.ID() != "slow" {
		t.Fatalf("reply = %v, want pong(slow)", got)
	}
}

func TestServeClosesOpenConnectionsOnCancel(t *testing.T) {
	srv := New(pongHandler, quietLogger())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// Make sure the connection has been accepted before cancelling.
	if _, err := conn.Write(encode(t, protocol.TypePing, "x")); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	readMessage(t, r)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if _, err := r.ReadByte(); err == nil {
		t.Error("expected open connection to be closed on shutdown")
	}
}

func TestTrackRefusesAfterShutdown(t *testing.T) {
	s := New(pongHandler, quietLogger())
	client, conn := net.Pipe()
	defer client.Close()
	defer conn.Close()

	s.closeConnections()
	if s.track(conn) {
		t.Fatal("connection accepted after shutdown was tracked")
	}
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("tracked connections = %d, want 0", n)
	}
}

func TestServeBeforeListen(t *testing.T) {
	if err := New(pongHandler, nil).Serve(context.Background()); err == nil {
		t.Fatal("expected error from Serve without Listen")
	}
}
