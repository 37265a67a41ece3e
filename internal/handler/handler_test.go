package handler

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/thushan/netgate/internal/logger"
	"github.com/thushan/netgate/internal/policy/acl"
	"github.com/thushan/netgate/internal/policy/blocklist"
	"github.com/thushan/netgate/internal/policy/ratelimit"
	"github.com/thushan/netgate/internal/routing"
	"github.com/thushan/netgate/internal/telemetry"
	"github.com/thushan/netgate/internal/upstream/pool"
	"github.com/thushan/netgate/theme"
)

func testLogger() *logger.StyledLogger {
	base := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logger.NewStyledLogger(base, theme.GetTheme(""))
}

func newTestHandler(t *testing.T, rpm int) (*Handler, *telemetry.Telemetry) {
	t.Helper()

	tel := telemetry.New(100, 10)
	h := New(Config{
		BufferSize:        4096,
		PrefixCapBytes:    8192,
		PrefixReadTimeout: time.Second,
		ConnectTimeout:    time.Second,
		IdleTimeout:       2 * time.Second,
	}, Deps{
		Blocklist:   blocklist.New(nil),
		RateLimiter: ratelimit.New(rpm, 0),
		ACL:         acl.New(nil),
		Router:      routing.New(nil),
		Pool:        pool.New(16, time.Minute, 0),
		Telemetry:   tel,
		Logger:      testLogger(),
	})
	return h, tel
}

// echoOrigin starts a TCP server that replies to any connection with a fixed
// HTTP response, returning its address.
func echoOrigin(t *testing.T, response string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = bufio.NewReader(conn).ReadString('\n')
				_, _ = conn.Write([]byte(response))
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func dialPair(t *testing.T) (clientSide net.Conn, serverSide net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	clientSide, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	serverSide = <-acceptCh
	return clientSide, serverSide
}

func TestHandle_PlainHTTPGetRoundTrip(t *testing.T) {
	originAddr := echoOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	host, port, _ := net.SplitHostPort(originAddr)

	h, tel := newTestHandler(t, 0)
	client, server := dialPair(t)
	defer client.Close()

	go h.Handle(context.Background(), server)

	req := "GET / HTTP/1.1\r\nHost: " + host + ":" + port + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response status line: %v", err)
	}
	if line != "HTTP/1.1 200 OK\r\n" {
		t.Errorf("unexpected status line: %q", line)
	}

	time.Sleep(50 * time.Millisecond)
	snap := tel.Snapshot()
	if snap.HTTPConnections != 1 {
		t.Errorf("expected 1 http connection recorded, got %d", snap.HTTPConnections)
	}
}

func TestHandle_BlockedDomainRespondsWithExactBody(t *testing.T) {
	h, tel := newTestHandler(t, 0)
	client, server := dialPair(t)
	defer client.Close()

	go h.Handle(context.Background(), server)

	req := "CONNECT doubleclick.net:443 HTTP/1.1\r\nHost: doubleclick.net:443\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := io.ReadAll(client)
	if err != nil && len(resp) == 0 {
		t.Fatalf("reading response: %v", err)
	}
	body := string(resp)
	if !containsAll(body, "403", "Content-Length: 14", "Connection: close", "Blocked Domain") {
		t.Errorf("unexpected blocked-domain response: %q", body)
	}

	snap := tel.Snapshot()
	if snap.BlockedConnections != 1 {
		t.Errorf("expected 1 blocked connection recorded, got %d", snap.BlockedConnections)
	}
}

func TestHandle_RateLimitBoundary(t *testing.T) {
	originAddr := echoOrigin(t, "")
	host, port, _ := net.SplitHostPort(originAddr)
	connectReq := "CONNECT " + host + ":" + port + " HTTP/1.1\r\nHost: " + host + ":" + port + "\r\n\r\n"

	h, tel := newTestHandler(t, 1)

	// first connection consumes the only token in the burst
	client1, server1 := dialPair(t)
	defer client1.Close()
	go h.Handle(context.Background(), server1)
	_, _ = client1.Write([]byte(connectReq))
	time.Sleep(50 * time.Millisecond)

	// second connection from the same source should be denied with 429
	client2, server2 := dialPair(t)
	defer client2.Close()
	go h.Handle(context.Background(), server2)
	_, _ = client2.Write([]byte(connectReq))

	resp, _ := io.ReadAll(client2)
	if !containsAll(string(resp), "429") {
		t.Errorf("expected 429 response for rate-limited connection, got %q", resp)
	}

	time.Sleep(50 * time.Millisecond)
	if tel.Snapshot().RateLimitedConnections < 1 {
		t.Errorf("expected at least 1 rate-limited connection recorded")
	}
}

func TestHandle_BlockedDomainTakesPriorityOverRateLimit(t *testing.T) {
	originAddr := echoOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	host, port, _ := net.SplitHostPort(originAddr)

	h, tel := newTestHandler(t, 1)

	// consume the only rate-limit token on an allowed host
	client1, server1 := dialPair(t)
	defer client1.Close()
	go h.Handle(context.Background(), server1)
	_, _ = client1.Write([]byte("CONNECT " + host + ":" + port + " HTTP/1.1\r\nHost: " + host + ":" + port + "\r\n\r\n"))
	time.Sleep(50 * time.Millisecond)

	// the same source is now over its rate limit, but a blocked-domain
	// request must still come back 403/Blocked Domain, not 429
	client2, server2 := dialPair(t)
	defer client2.Close()
	go h.Handle(context.Background(), server2)
	_, _ = client2.Write([]byte("CONNECT doubleclick.net:443 HTTP/1.1\r\nHost: doubleclick.net:443\r\n\r\n"))

	resp, _ := io.ReadAll(client2)
	body := string(resp)
	if !containsAll(body, "403", "Blocked Domain") {
		t.Errorf("expected the blocklist gate to win over rate limiting, got %q", body)
	}
	if strings.Contains(body, "429") {
		t.Errorf("blocked domain must not be reported as rate-limited: %q", body)
	}

	time.Sleep(50 * time.Millisecond)
	if tel.Snapshot().BlockedConnections < 1 {
		t.Errorf("expected the blocked-domain counter to be recorded")
	}
}

func TestHandle_HTTPForwardRespondsGatewayTimeoutOnStalledUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	var stalled []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// accepted but deliberately never read from or written to
			stalled = append(stalled, conn)
		}
	}()
	t.Cleanup(func() {
		for _, c := range stalled {
			c.Close()
		}
	})

	host, port, _ := net.SplitHostPort(ln.Addr().String())

	tel := telemetry.New(100, 10)
	h := New(Config{
		BufferSize:        4096,
		PrefixCapBytes:    8192,
		PrefixReadTimeout: time.Second,
		ConnectTimeout:    time.Second,
		IdleTimeout:       50 * time.Millisecond,
	}, Deps{
		Blocklist:   blocklist.New(nil),
		RateLimiter: ratelimit.New(0, 0),
		ACL:         acl.New(nil),
		Router:      routing.New(nil),
		Pool:        pool.New(16, time.Minute, 0),
		Telemetry:   tel,
		Logger:      testLogger(),
	})

	client, server := dialPair(t)
	defer client.Close()
	go h.Handle(context.Background(), server)

	req := "GET / HTTP/1.1\r\nHost: " + host + ":" + port + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, _ := io.ReadAll(client)
	if !containsAll(string(resp), "504", "Gateway Timeout") {
		t.Errorf("expected 504 for a stalled upstream, got %q", resp)
	}
}

func TestHandle_UpstreamDialFailureRespondsBadGateway(t *testing.T) {
	h, tel := newTestHandler(t, 0)
	client, server := dialPair(t)
	defer client.Close()

	go h.Handle(context.Background(), server)

	// Port 1 is reserved and should refuse the connection near-instantly.
	req := "CONNECT 127.0.0.1:1 HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"
	_, _ = client.Write([]byte(req))

	resp, _ := io.ReadAll(client)
	if !containsAll(string(resp), "502") {
		t.Errorf("expected 502 for a dial failure, got %q", resp)
	}

	time.Sleep(50 * time.Millisecond)
	if tel.Snapshot().DialFailures < 1 {
		t.Errorf("expected at least 1 dial failure recorded")
	}
}

func TestHandle_MalformedRequestClosesWithoutResponse(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	client, server := dialPair(t)
	defer client.Close()

	go h.Handle(context.Background(), server)

	_, _ = client.Write([]byte("not a valid request at all\r\n\r\n"))

	resp, err := io.ReadAll(client)
	if err != nil && len(resp) > 0 {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("expected no response bytes for a malformed request, got %q", resp)
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}
