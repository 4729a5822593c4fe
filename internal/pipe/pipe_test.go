package pipe

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		ch <- result{c, err}
	}()
	dialed, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("accept: %v", r.err)
	}
	return dialed.(*net.TCPConn), r.c.(*net.TCPConn)
}

func TestJoinForwardsBothDirections(t *testing.T) {
	a1, a2 := tcpPair(t)
	b1, b2 := tcpPair(t)

	done := make(chan error, 1)
	go func() { done <- Join(context.Background(), a2, b1, Options{}) }()

	if _, err := a1.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	_ = b2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(b2, buf); err != nil {
		t.Fatalf("read a->b: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}

	if _, err := b2.Write([]byte("pong")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = a1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(a1, buf); err != nil {
		t.Fatalf("read b->a: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q", buf)
	}

	_ = a1.Close()
	_ = b2.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not finish after both ends closed")
	}
}

func TestJoinPropagatesHalfClose(t *testing.T) {
	a1, a2 := tcpPair(t)
	b1, b2 := tcpPair(t)

	go func() { _ = Join(context.Background(), a2, b1, Options{}) }()

	if _, err := a1.Write([]byte("last words")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a1.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	_ = b2.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(b2)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(got) != "last words" {
		t.Fatalf("got %q", got)
	}

	// The reverse direction still flows after the half-close.
	if _, err := b2.Write([]byte("reply")); err != nil {
		t.Fatalf("reverse write: %v", err)
	}
	buf := make([]byte, 5)
	_ = a1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(a1, buf); err != nil {
		t.Fatalf("reverse read: %v", err)
	}
	if string(buf) != "reply" {
		t.Fatalf("got %q", buf)
	}
	_ = b2.Close()
}

func TestJoinIdleTimeout(t *testing.T) {
	a1, a2 := tcpPair(t)
	b1, b2 := tcpPair(t)
	defer a1.Close()
	defer b2.Close()

	start := time.Now()
	err := Join(context.Background(), a2, b1, Options{IdleTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("idle close took %v", elapsed)
	}
}

func TestJoinCancel(t *testing.T) {
	a1, a2 := tcpPair(t)
	b1, b2 := tcpPair(t)
	defer a1.Close()
	defer b2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Join(ctx, a2, b1, Options{}) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join did not observe cancellation")
	}
}
