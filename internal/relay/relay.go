// Package relay pumps bytes bidirectionally between a client and an upstream
// connection, following the buffered-copy-then-relay idiom used for raw TCP
// tunnelling, but pooling its scratch buffers through the teacher's generic
// pkg/pool.Pool[T] lite-pool instead of allocating one per direction.
package relay

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/thushan/netgate/pkg/pool"
)

// Stats summarises a completed relay for telemetry/logging.
type Stats struct {
	BytesClientToUpstream int64
	BytesUpstreamToClient int64
	Duration              time.Duration

	// PrefaceErr is set if writing preface to upstream failed; neither pump
	// ran in that case.
	PrefaceErr error

	// UpstreamTimedOut is true when the upstream->client direction ended on
	// a read deadline with nothing yet written to the client, meaning the
	// caller can still send the client an error response instead of the
	// connection just going silent.
	UpstreamTimedOut bool
}

// Relay pumps bytes in both directions between client and upstream until
// both directions have finished (an EOF in one direction half-closes the far
// side while the other direction keeps running) or idleTimeout elapses with no traffic in either
// direction, then closes upstream and, usually, the client too - unless the
// client never received a byte and the stall was upstream's read timing
// out, in which case the caller gets a chance to answer before closing it.
type Relay struct {
	bufferSize  int
	idleTimeout time.Duration
	bufPool     *pool.Pool[*[]byte]
}

// New builds a Relay using bufferSize-byte scratch buffers drawn from a
// shared lite-pool, idling out a tunnel after idleTimeout of silence.
func New(bufferSize int, idleTimeout time.Duration) *Relay {
	return &Relay{
		bufferSize:  bufferSize,
		idleTimeout: idleTimeout,
		bufPool: pool.NewLitePool(func() *[]byte {
			b := make([]byte, bufferSize)
			return &b
		}),
	}
}

// Run relays client<->upstream until completion, optionally first writing
// preface to upstream - bytes already read from client (the residual after a
// CONNECT request's terminating blank line, or the whole request prefix of a
// forwarded HTTP request), which must reach upstream before anything the
// pump itself reads.
func (r *Relay) Run(client, upstream net.Conn, preface []byte) Stats {
	start := time.Now()

	var clientToUpstream int64
	if len(preface) > 0 {
		n, err := upstream.Write(preface)
		clientToUpstream += int64(n)
		if err != nil {
			_ = client.Close()
			_ = upstream.Close()
			return Stats{
				BytesClientToUpstream: clientToUpstream,
				Duration:              time.Since(start),
				PrefaceErr:            err,
			}
		}
	}

	var wg sync.WaitGroup
	var c2u, u2c int64
	var u2cErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		c2u, _ = r.pump(upstream, client)
		halfClose(upstream)
	}()
	go func() {
		defer wg.Done()
		n, err := r.pump(client, upstream)
		u2c, u2cErr = n, err
		// Skip the half-close when this looks like an upstream timeout with
		// nothing sent yet - Run may still want to write an error response
		// on client, and CloseWrite would foreclose that.
		if !(n == 0 && isTimeout(err)) {
			halfClose(client)
		}
	}()
	wg.Wait()

	clientToUpstream += c2u
	upstreamTimedOut := u2c == 0 && isTimeout(u2cErr)

	_ = upstream.Close()
	if !upstreamTimedOut {
		// Otherwise leave the client open: nothing has reached it yet, so
		// the caller can still write an error response before closing it.
		_ = client.Close()
	}

	return Stats{
		BytesClientToUpstream: clientToUpstream,
		BytesUpstreamToClient: u2c,
		Duration:              time.Since(start),
		UpstreamTimedOut:      upstreamTimedOut,
	}
}

// pump copies from src to dst until EOF, error, or idleTimeout of silence,
// resetting the read deadline after every successful read so only genuinely
// idle connections time out, not merely slow ones. The returned error is the
// one that ended the loop, nil on a clean EOF.
func (r *Relay) pump(dst io.Writer, src net.Conn) (int64, error) {
	bufPtr := r.bufPool.Get()
	defer r.bufPool.Put(bufPtr)
	buf := *bufPtr

	var total int64
	for {
		if r.idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(r.idleTimeout))
		}

		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// isTimeout reports whether err is a network timeout, the signal that a read
// deadline expired rather than the peer closing or resetting the connection.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// halfCloser is satisfied by *net.TCPConn and *tls.Conn, letting one
// direction signal EOF to its peer without tearing down the other direction
// still in flight.
type halfCloser interface {
	CloseWrite() error
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
