// Package codec parses the byte prefix of an inbound connection - either an HTTP
// request line and headers, or a TLS ClientHello - without consuming more than
// that prefix, so the handler can forward the remaining bytes untouched.
package codec

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/thushan/netgate/internal/proxyerr"
)

// Request is a parsed HTTP request line plus headers, carrying the raw bytes
// read from the wire so the handler can replay them to the upstream verbatim.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers map[string]string
	Raw     []byte
}

// ParseRequest parses an HTTP request line and headers from buf. buf must
// contain at least the request line and all headers terminated by a blank
// line; a lone LF is tolerated in place of CRLF, matching real-world clients.
func ParseRequest(buf []byte) (*Request, error) {
	lines, err := splitLines(buf)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, proxyerr.ErrMalformedRequest
	}

	parts := strings.Fields(string(lines[0]))
	if len(parts) != 3 {
		return nil, proxyerr.ErrMalformedRequest
	}

	req := &Request{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
		Headers: make(map[string]string),
		Raw:     buf,
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		// Last header wins on duplicate names.
		req.Headers[strings.ToLower(name)] = value
	}

	return req, nil
}

// Header looks up a header case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	v, ok := r.Headers[strings.ToLower(name)]
	return v, ok
}

// TargetHostPort derives the (host, port) the request should be forwarded to,
// covering authority-form (CONNECT host:port), absolute-form (full URL in the
// request line) and origin-form (relative path, host taken from the Host header).
func (r *Request) TargetHostPort(defaultPort string) (string, string, error) {
	if r.Method == "CONNECT" {
		return splitHostPort(r.Target, "443")
	}

	if strings.Contains(r.Target, "://") {
		rest := r.Target[strings.Index(r.Target, "://")+3:]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		return splitHostPort(rest, defaultPort)
	}

	host, ok := r.Header("Host")
	if !ok || host == "" {
		return "", "", fmt.Errorf("%w: missing Host header for origin-form request", proxyerr.ErrMalformedRequest)
	}
	return splitHostPort(host, defaultPort)
}

func splitHostPort(hostport, defaultPort string) (string, string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present; treat the whole string as host and use the default.
		return hostport, defaultPort, nil
	}
	if _, convErr := strconv.Atoi(port); convErr != nil {
		return "", "", fmt.Errorf("%w: invalid port %q", proxyerr.ErrMalformedRequest, port)
	}
	return host, port, nil
}

// splitLines splits buf into lines on CRLF or a lone LF, stopping at the blank
// line that terminates the header block. Returns an error if no such blank
// line is found within buf.
func splitLines(buf []byte) ([][]byte, error) {
	var lines [][]byte
	rest := buf
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			return nil, fmt.Errorf("%w: no terminating blank line in prefix", proxyerr.ErrMalformedRequest)
		}
		line := rest[:idx]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		rest = rest[idx+1:]

		if len(line) == 0 {
			break
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func splitHeader(line []byte) (string, string, bool) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	name := strings.TrimSpace(string(line[:idx]))
	value := strings.TrimSpace(string(line[idx+1:]))
	if name == "" {
		return "", "", false
	}
	return name, value, true
}
