// Package e2e drives a real server and client over loopback sockets and
// checks the externally observable tunnel behavior.
package e2e

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nearbyplayer/rathole/client"
	"github.com/nearbyplayer/rathole/config"
	"github.com/nearbyplayer/rathole/protocol"
	"github.com/nearbyplayer/rathole/server"
	"github.com/nearbyplayer/rathole/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

// startEchoTCP runs a local echo service and returns its address.
func startEchoTCP(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()
	return l.Addr().String()
}

// startEchoUDP runs a local UDP echo service and returns its address.
func startEchoUDP(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("udp echo listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().String()
}

type testServer struct {
	reload chan *config.ServerConfig
	cancel context.CancelFunc
	errCh  chan error
}

func startServer(t *testing.T, toml string) *testServer {
	t.Helper()
	cfg, err := config.Parse([]byte(toml))
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	s, err := server.New(cfg.Server, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("server new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		reload: make(chan *config.ServerConfig),
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	go func() { ts.errCh <- s.Run(ctx, ts.reload) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-ts.errCh:
			if err != nil {
				t.Errorf("server run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return ts
}

type testClient struct {
	reload chan *config.ClientConfig
	cancel context.CancelFunc
	errCh  chan error
}

func startClient(t *testing.T, toml string) *testClient {
	t.Helper()
	cfg, err := config.Parse([]byte(toml))
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	c, err := client.New(cfg.Client, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("client new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	tc := &testClient{
		reload: make(chan *config.ClientConfig),
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	go func() { tc.errCh <- c.Run(ctx, tc.reload) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-tc.errCh:
			if err != nil {
				t.Errorf("client run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("client did not shut down")
		}
	})
	return tc
}

// tryEcho attempts one full visitor exchange through the tunnel.
func tryEcho(addr, payload string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := fmt.Fprintf(conn, "%s\n", payload); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}

// waitEcho retries the exchange until the tunnel is fully established.
func waitEcho(t *testing.T, addr, payload string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		got, err := tryEcho(addr, payload)
		if err == nil {
			if got != payload {
				t.Fatalf("echo returned %q, want %q", got, payload)
			}
			return
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("tunnel never came up on %s: %v", addr, lastErr)
}

func serverTOML(ctrlPort, svcPort int, name, token string) string {
	return fmt.Sprintf(`
[server]
bind_addr = "127.0.0.1:%d"

[server.services.%s]
type = "tcp"
bind_addr = "127.0.0.1:%d"
token = "%s"
`, ctrlPort, name, svcPort, token)
}

func clientTOML(ctrlPort int, name, localAddr, token string) string {
	return fmt.Sprintf(`
[client]
remote_addr = "127.0.0.1:%d"

[client.services.%s]
type = "tcp"
local_addr = "%s"
token = "%s"
retry_interval = 1
`, ctrlPort, name, localAddr, token)
}

func TestTCPEchoTunnel(t *testing.T) {
	echoAddr := startEchoTCP(t)
	ctrlPort := freePort(t)
	svcPort := freePort(t)

	startServer(t, serverTOML(ctrlPort, svcPort, "echo", "good"))
	startClient(t, clientTOML(ctrlPort, "echo", echoAddr, "good"))

	svcAddr := fmt.Sprintf("127.0.0.1:%d", svcPort)
	waitEcho(t, svcAddr, "hello", 10*time.Second)

	// A second visitor gets its own pairing.
	waitEcho(t, svcAddr, "hello again", 10*time.Second)
}

func TestAuthFailure(t *testing.T) {
	ctrlPort := freePort(t)
	svcPort := freePort(t)
	startServer(t, serverTOML(ctrlPort, svcPort, "echo", "good"))

	tr, err := transport.New(transport.Config{})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stream transport.Stream
	deadline := time.Now().Add(5 * time.Second)
	for {
		stream, err = tr.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", ctrlPort), nil)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial control: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	defer stream.Close()

	digest := protocol.ServiceDigest("bad")
	if err := protocol.WriteFrame(stream, protocol.Hello{Version: protocol.Version, Digest: digest[:]}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	_ = stream.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.ReadFrame(stream)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, ok := msg.(protocol.HelloReply)
	if !ok {
		t.Fatalf("expected hello reply, got %s", msg.Kind())
	}
	resp := protocol.AuthResponse(digest, reply.Nonce)
	if err := protocol.WriteFrame(stream, protocol.Auth{Response: resp[:]}); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	msg, err = protocol.ReadFrame(stream)
	if err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	if _, ok := msg.(protocol.AuthFail); !ok {
		t.Fatalf("expected auth fail, got %s", msg.Kind())
	}
}

func TestUDPTunnel(t *testing.T) {
	upstream := startEchoUDP(t)
	ctrlPort := freePort(t)
	svcPort := freePort(t)

	startServer(t, fmt.Sprintf(`
[server]
bind_addr = "127.0.0.1:%d"

[server.services.dns]
type = "udp"
bind_addr = "127.0.0.1:%d"
token = "good"
`, ctrlPort, svcPort))
	startClient(t, fmt.Sprintf(`
[client]
remote_addr = "127.0.0.1:%d"

[client.services.dns]
type = "udp"
local_addr = "%s"
token = "good"
retry_interval = 1
`, ctrlPort, upstream))

	svcAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: svcPort}
	ping := func(t *testing.T, payload string) {
		t.Helper()
		conn, err := net.DialUDP("udp", nil, svcAddr)
		if err != nil {
			t.Fatalf("visitor dial: %v", err)
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := conn.Write([]byte(payload)); err != nil {
				t.Fatalf("visitor write: %v", err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			n, err := conn.Read(buf)
			if err != nil {
				continue // Tunnel still warming up; resend.
			}
			if string(buf[:n]) != payload {
				t.Fatalf("visitor got %q, want %q", buf[:n], payload)
			}
			return
		}
		t.Fatalf("no udp reply for %q", payload)
	}

	// Two visitors, one after the other from separate sockets, each get
	// their own reply.
	ping(t, "query-one")
	ping(t, "query-two")
}

func TestHotReload(t *testing.T) {
	echoAddr := startEchoTCP(t)
	ctrlPort := freePort(t)
	oldPort := freePort(t)
	newPort := freePort(t)

	ts := startServer(t, serverTOML(ctrlPort, oldPort, "echo", "good"))
	tc := startClient(t, clientTOML(ctrlPort, "echo", echoAddr, "good"))

	oldAddr := fmt.Sprintf("127.0.0.1:%d", oldPort)
	newAddr := fmt.Sprintf("127.0.0.1:%d", newPort)
	waitEcho(t, oldAddr, "before reload", 10*time.Second)

	// Identical reload is a no-op: a live tunnel keeps working across it.
	keep, err := net.Dial("tcp", oldAddr)
	if err != nil {
		t.Fatalf("visitor dial: %v", err)
	}
	defer keep.Close()
	same, err := config.Parse([]byte(serverTOML(ctrlPort, oldPort, "echo", "good")))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ts.reload <- same.Server
	_ = keep.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(keep, "still here\n"); err != nil {
		t.Fatalf("write across no-op reload: %v", err)
	}
	line, err := bufio.NewReader(keep).ReadString('\n')
	if err != nil || line != "still here\n" {
		t.Fatalf("no-op reload broke a live tunnel: %q, %v", line, err)
	}
	_ = keep.Close()

	// Replace echo with ssh on a new bind.
	nextServer, err := config.Parse([]byte(serverTOML(ctrlPort, newPort, "ssh", "good")))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	nextClient, err := config.Parse([]byte(clientTOML(ctrlPort, "ssh", echoAddr, "good")))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ts.reload <- nextServer.Server
	tc.reload <- nextClient.Client

	// The removed service refuses new visitors once its listener is gone.
	refusedBy := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", oldAddr, 500*time.Millisecond)
		if err != nil {
			break
		}
		_ = conn.Close()
		if time.Now().After(refusedBy) {
			t.Fatal("old bind still accepting after service removal")
		}
		time.Sleep(100 * time.Millisecond)
	}

	waitEcho(t, newAddr, "after reload", 15*time.Second)
}

// A second client claiming the same digest replaces the first; visitors
// keep being served through the new channel.
func TestDigestReregistration(t *testing.T) {
	echoAddr := startEchoTCP(t)
	ctrlPort := freePort(t)
	svcPort := freePort(t)

	startServer(t, serverTOML(ctrlPort, svcPort, "echo", "good"))
	first := startClient(t, clientTOML(ctrlPort, "echo", echoAddr, "good"))

	svcAddr := fmt.Sprintf("127.0.0.1:%d", svcPort)
	waitEcho(t, svcAddr, "first client", 10*time.Second)

	startClient(t, clientTOML(ctrlPort, "echo", echoAddr, "good"))
	time.Sleep(time.Second)
	// Retire the displaced client so the two do not keep trading the slot.
	first.cancel()
	select {
	case err := <-first.errCh:
		first.errCh <- err
	case <-time.After(10 * time.Second):
		t.Fatal("first client did not stop")
	}
	waitEcho(t, svcAddr, "after replacement", 15*time.Second)
}

func TestReconnectAfterServerRestart(t *testing.T) {
	echoAddr := startEchoTCP(t)
	ctrlPort := freePort(t)
	svcPort := freePort(t)

	cfgTOML := serverTOML(ctrlPort, svcPort, "echo", "good")
	first := startServer(t, cfgTOML)
	startClient(t, clientTOML(ctrlPort, "echo", echoAddr, "good"))

	svcAddr := fmt.Sprintf("127.0.0.1:%d", svcPort)
	waitEcho(t, svcAddr, "first life", 10*time.Second)

	// Kill the server; the client enters backoff.
	first.cancel()
	select {
	case <-first.errCh:
	case <-time.After(10 * time.Second):
		t.Fatal("first server did not stop")
	}
	// Replace the drained error so the cleanup hook does not block.
	first.errCh <- nil

	time.Sleep(time.Second)
	startServer(t, cfgTOML)

	// The client reconnects with backoff and service resumes.
	waitEcho(t, svcAddr, "second life", 30*time.Second)
}
