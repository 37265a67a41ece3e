// Package handler drives a single accepted connection through its full
// lifecycle - read prefix, classify, gate, dispatch, relay, close - following
// the teacher's ProxyRequestToEndpoints shape: a sequential run of named
// phases, each recording telemetry and logging before falling through to the
// next, with panic recovery wrapping the whole thing so one bad connection
// never takes the listener down.
package handler

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/thushan/netgate/internal/codec"
	"github.com/thushan/netgate/internal/logger"
	"github.com/thushan/netgate/internal/policy/acl"
	"github.com/thushan/netgate/internal/policy/blocklist"
	"github.com/thushan/netgate/internal/policy/ratelimit"
	"github.com/thushan/netgate/internal/proxyerr"
	"github.com/thushan/netgate/internal/relay"
	"github.com/thushan/netgate/internal/routing"
	"github.com/thushan/netgate/internal/telemetry"
	"github.com/thushan/netgate/internal/upstream/pool"
)

// Config tunes the per-connection state machine.
type Config struct {
	BufferSize        int
	PrefixCapBytes    int
	PrefixReadTimeout time.Duration
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
}

// Deps are the policy/routing/infrastructure collaborators a Handler wires
// together; all are safe for concurrent use across many connections.
type Deps struct {
	Blocklist   *blocklist.Blocklist
	RateLimiter *ratelimit.Limiter
	ACL         *acl.ACL
	Router      *routing.Router
	Pool        *pool.Pool
	Telemetry   *telemetry.Telemetry
	Logger      *logger.StyledLogger
}

// Handler runs accepted connections through the proxy's state machine.
type Handler struct {
	cfg  Config
	deps Deps
}

// New builds a Handler from cfg and deps.
func New(cfg Config, deps Deps) *Handler {
	return &Handler{cfg: cfg, deps: deps}
}

// Handle drives conn through Accepted -> ReadPrefix -> Classified -> Gated ->
// Dispatched -> {HTTPForward, Tunnel} -> Closed. It always closes conn and
// records exactly one RecordAccepted/RecordClosed pair before returning,
// regardless of which step the connection fell out at.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	h.deps.Telemetry.RecordAccepted()

	kind := "http"
	var bytesIn, bytesOut int64

	defer func() {
		if rec := recover(); rec != nil {
			h.deps.Logger.Error("connection handler panic recovered", "panic", rec, "remote", conn.RemoteAddr())
		}
		_ = conn.Close()
		h.deps.Telemetry.RecordClosed(kind, time.Since(start), bytesIn, bytesOut)
	}()

	clientIP := remoteIP(conn)

	prefix, err := h.readPrefix(conn)
	if err != nil {
		h.deps.Logger.Debug("connection closed during prefix read", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	req, residual, err := h.classify(prefix)
	if err != nil {
		h.deps.Logger.Debug("malformed request, closing without a response", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	host, portStr, err := req.TargetHostPort("80")
	if err != nil {
		h.deps.Logger.Debug("could not derive target from request", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		h.deps.Logger.Debug("invalid target port", "remote", conn.RemoteAddr(), "port", portStr)
		return
	}

	sni := ""
	if req.Method == "CONNECT" {
		if name, ok := codec.ExtractSNI(residual); ok {
			sni = name
		}
	}

	if reason, ok := h.gate(clientIP, host); !ok {
		h.respondDenied(conn, reason)
		return
	}

	target := h.dispatch(sni, host, clientIP, host, port)

	if req.Method == "CONNECT" {
		kind = "tunnel"
		h.deps.Logger.Info("tunnel requested", "client_ip", clientIP, "target", net.JoinHostPort(target.Host, strconv.Itoa(target.Port)), "sni", sni)
		in, out := h.tunnel(ctx, conn, target, residual)
		bytesIn, bytesOut = in, out
		return
	}

	in, out := h.httpForward(ctx, conn, target, prefix)
	bytesIn, bytesOut = in, out
}

// readPrefix reads from conn until a CRLFCRLF-terminated header block
// appears or prefixCapBytes is reached, bounded by prefixReadTimeout.
func (h *Handler) readPrefix(conn net.Conn) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PrefixReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	capBytes := h.cfg.PrefixCapBytes
	if capBytes <= 0 {
		capBytes = 16 * 1024
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if containsBlankLine(buf) {
				return buf, nil
			}
			if len(buf) >= capBytes {
				return nil, proxyerr.ErrMalformedRequest
			}
		}
		if err != nil {
			if len(buf) == 0 {
				if isTimeout(err) {
					return nil, proxyerr.ErrClientTimeout
				}
				return nil, proxyerr.ErrClientClosed
			}
			return nil, err
		}
	}
}

func containsBlankLine(buf []byte) bool {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\n' && buf[i+1] == '\n' {
			return true
		}
		if i+3 < len(buf) && buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	ne, ok := err.(interface{ Timeout() bool })
	return ok && ne.Timeout()
}

// classify parses the request line/headers out of prefix and returns any
// bytes that followed the terminating blank line - for a CONNECT request,
// these are often the client's TLS ClientHello, arrived in the same read.
func (h *Handler) classify(prefix []byte) (*codec.Request, []byte, error) {
	req, err := codec.ParseRequest(prefix)
	if err != nil {
		return nil, nil, err
	}

	residual := residualBytes(prefix)
	return req, residual, nil
}

// residualBytes returns the bytes of prefix that follow the header block's
// terminating blank line.
func residualBytes(prefix []byte) []byte {
	headerEnd := headerBlockEnd(prefix)
	if headerEnd < 0 || headerEnd >= len(prefix) {
		return nil
	}
	return prefix[headerEnd:]
}

func headerBlockEnd(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\n' && buf[i+1] == '\n' {
			return i + 2
		}
		if i+3 < len(buf) && buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i + 4
		}
	}
	return -1
}

// gate evaluates the blocklist, rate limiter and ACL in that order, matching
// the response codes spec'd for each denial. ok is false if any gate denied
// the connection, with reason describing which one and why.
func (h *Handler) gate(clientIP net.IP, host string) (reason string, ok bool) {
	ipStr := ""
	if clientIP != nil {
		ipStr = clientIP.String()
	}

	if blocked, category, why := h.deps.Blocklist.Classify(host); blocked {
		h.deps.Telemetry.RecordBlocked()
		h.deps.Logger.WarnBlocked("blocked domain", fmt.Sprintf("%s (%s: %s)", host, category, why))
		return "blocked", false
	}

	if !h.deps.RateLimiter.Allow(ipStr) {
		h.deps.Telemetry.RecordRateLimited()
		h.deps.Logger.WarnBlocked("rate limit exceeded", ipStr)
		return "rate_limited", false
	}

	if h.deps.ACL != nil && clientIP != nil && !h.deps.ACL.Evaluate(clientIP) {
		h.deps.Telemetry.RecordACLDenied()
		h.deps.Logger.WarnBlocked("acl denied", ipStr)
		return "acl_denied", false
	}

	return "", true
}

// dispatch asks the router for an override target, falling back to the
// connection's own derived host/port when nothing matches.
func (h *Handler) dispatch(sni, host string, clientIP net.IP, fallbackHost string, fallbackPort int) routing.Target {
	if h.deps.Router != nil {
		if target, ok := h.deps.Router.Route(sni, host, clientIP); ok {
			return target
		}
	}
	return routing.Target{Host: fallbackHost, Port: fallbackPort}
}

// acquire returns a connection to target, preferring an idle pooled
// connection over dialing fresh.
func (h *Handler) acquire(ctx context.Context, target routing.Target) (net.Conn, error) {
	key := pool.Key{Host: target.Host, Port: target.Port}
	if conn, ok := h.deps.Pool.Get(key); ok {
		return conn, nil
	}

	dialer := &net.Dialer{Timeout: h.cfg.ConnectTimeout}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		h.deps.Telemetry.RecordDialFailure()
		return nil, proxyerr.NewDialError(target.Host, target.Port, err)
	}
	return conn, nil
}

// tunnel establishes a CONNECT tunnel: dial upstream, answer with 200, then
// relay raw bytes bidirectionally, forwarding residual first since it may
// carry the client's ClientHello already read alongside the CONNECT request.
func (h *Handler) tunnel(ctx context.Context, client net.Conn, target routing.Target, residual []byte) (int64, int64) {
	upstream, err := h.acquire(ctx, target)
	if err != nil {
		writeResponse(client, 502, "Bad Gateway")
		h.deps.Logger.Warn("upstream dial failed for tunnel", "target", target, "err", err)
		return 0, 0
	}
	defer upstream.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return 0, 0
	}

	h.deps.Logger.InfoTunnel("tunnel established", fmt.Sprintf("%s:%d", target.Host, target.Port))

	r := relay.New(h.cfg.BufferSize, h.cfg.IdleTimeout)
	stats := r.Run(client, upstream, residual)
	if stats.PrefaceErr != nil {
		h.deps.Logger.Warn("failed to forward residual bytes into tunnel", "target", target, "err", stats.PrefaceErr)
	}
	return stats.BytesClientToUpstream, stats.BytesUpstreamToClient
}

// httpForward dials upstream for a plain (non-CONNECT) request, forwards the
// already-read prefix bytes unmodified, then relays the remainder of the
// exchange byte-for-byte without buffering bodies.
func (h *Handler) httpForward(ctx context.Context, client net.Conn, target routing.Target, prefix []byte) (int64, int64) {
	upstream, err := h.acquire(ctx, target)
	if err != nil {
		writeResponse(client, 502, "Bad Gateway")
		h.deps.Logger.Warn("upstream dial failed for http forward", "target", target, "err", err)
		return 0, 0
	}
	defer upstream.Close()

	r := relay.New(h.cfg.BufferSize, h.cfg.IdleTimeout)
	stats := r.Run(client, upstream, prefix)
	if stats.PrefaceErr != nil {
		h.deps.Logger.Warn("failed to forward request prefix upstream", "target", target, "err", stats.PrefaceErr)
		return stats.BytesClientToUpstream, stats.BytesUpstreamToClient
	}
	if stats.UpstreamTimedOut {
		writeResponse(client, 504, "Gateway Timeout")
		h.deps.Logger.Warn("upstream timed out during http forward", "target", target)
	}
	return stats.BytesClientToUpstream, stats.BytesUpstreamToClient
}

func (h *Handler) respondDenied(conn net.Conn, reason string) {
	switch reason {
	case "rate_limited":
		writeResponse(conn, 429, "Too Many Requests")
	case "blocked":
		writeExactBody(conn, 403, "Forbidden", "Blocked Domain")
	case "acl_denied":
		writeResponse(conn, 403, "Forbidden")
	}
}

// writeResponse writes a minimal proxy-generated response whose body is the
// status text itself, with Content-Length and Connection: close set as
// required for every proxy-generated response.
func writeResponse(conn net.Conn, code int, statusText string) {
	writeExactBody(conn, code, statusText, statusText)
}

func writeExactBody(conn net.Conn, code int, statusText, body string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, statusText, len(body), body)
	_, _ = conn.Write([]byte(resp))
}

func remoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
