package smtp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

func startServer(t *testing.T, cfg ServerConfig) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)

	return srv, cancel, errc
}

func dialAndRead(t *testing.T, addr string) (net.Conn, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return conn, line
}

func waitForAddr(t *testing.T, srv *Server) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return ""
}

func TestServer_Defaults(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{Handler: &recordingHandler{}})
	if srv.config.Hostname != "localhost" {
		t.Errorf("Hostname: got %q, want localhost", srv.config.Hostname)
	}
	if srv.config.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("MaxMessageSize: got %d", srv.config.MaxMessageSize)
	}
	if srv.Addr() != "" {
		t.Error("Addr should be empty before Serve")
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	srv, cancel, errc := startServer(t, ServerConfig{Hostname: "mx.gateway.test", Handler: &recordingHandler{}})
	addr := waitForAddr(t, srv)

	_, greeting := dialAndRead(t, addr)
	if !strings.HasPrefix(greeting, "220 mx.gateway.test") {
		t.Errorf("greeting: got %q", greeting)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_ConnectionLimit(t *testing.T) {
	t.Parallel()

	srv, _, _ := startServer(t, ServerConfig{Handler: &recordingHandler{}, MaxConnections: 1})
	addr := waitForAddr(t, srv)

	_, first := dialAndRead(t, addr)
	if !strings.HasPrefix(first, "220 ") {
		t.Fatalf("first connection: got %q", first)
	}

	_, second := dialAndRead(t, addr)
	if !strings.HasPrefix(second, "421 ") {
		t.Errorf("second connection: got %q, want 421", second)
	}
}

func TestHandlerFunc(t *testing.T) {
	t.Parallel()

	var h MessageHandler = HandlerFunc(func(context.Context, email.Envelope, []byte) Decision {
		return TempFail("busy")
	})
	d := h.Handle(context.Background(), email.Envelope{}, nil)
	if d.Accepted() || d.String() != "451 busy" {
		t.Errorf("decision: got %v", d)
	}
	if !Accept("ok").Accepted() {
		t.Error("Accept should be accepted")
	}
}
