// Package listener accepts connections on one or more configured addresses,
// admits them against a global connection cap, and dispatches each to a
// ConnHandler on its own goroutine, draining in-flight connections on a
// bounded timeout during shutdown. Grounded on the teacher's main.go
// signal-to-context-cancellation flow and app/app.go's Start/Stop shape,
// generalised from a single http.Server to N raw listeners.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/thushan/netgate/internal/config"
	"github.com/thushan/netgate/internal/logger"
)

// ConnHandler drives a single accepted connection to completion.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// Listener accepts on every configured address and fans out to handler,
// enforcing maxConnections as a global admission cap.
type Listener struct {
	addrs           []string
	handler         ConnHandler
	maxConnections  int
	shutdownTimeout time.Duration
	logger          *logger.StyledLogger

	active atomic.Int64

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New builds a Listener for the given listen configs.
func New(cfgs []config.ListenConfig, maxConnections int, shutdownTimeout time.Duration, handler ConnHandler, log *logger.StyledLogger) *Listener {
	addrs := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		addrs = append(addrs, net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port)))
	}
	return &Listener{
		addrs:           addrs,
		handler:         handler,
		maxConnections:  maxConnections,
		shutdownTimeout: shutdownTimeout,
		logger:          log,
	}
}

// Start binds every configured address concurrently (bailing out and
// unwinding already-bound listeners on the first failure) and begins
// accepting; accept loops continue running in the background after Start
// returns.
func (l *Listener) Start(ctx context.Context) error {
	listeners, err := bindAll(ctx, l.addrs)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listeners = listeners
	l.mu.Unlock()

	for i, ln := range listeners {
		addr := l.addrs[i]
		l.logger.Info("listening", "addr", addr)

		l.wg.Add(1)
		go func(ln net.Listener, addr string) {
			defer l.wg.Done()
			l.acceptLoop(ctx, ln, addr)
		}(ln, addr)
	}

	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, addr string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", "addr", addr, "err", err)
			continue
		}

		if l.maxConnections > 0 && l.active.Load() >= int64(l.maxConnections) {
			l.logger.Warn("rejecting connection: at capacity", "addr", addr, "max_connections", l.maxConnections)
			_ = conn.Close()
			continue
		}

		l.active.Inc()
		l.wg.Add(1)
		go func(c net.Conn) {
			defer l.wg.Done()
			defer l.active.Dec()
			l.handler.Handle(ctx, c)
		}(conn)
	}
}

// Stop closes every listener and waits up to shutdownTimeout for in-flight
// connections to drain, aggregating any close errors with multierr.
func (l *Listener) Stop(ctx context.Context) error {
	err := l.closeAll()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timeout := l.shutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn("shutdown timed out waiting for connections to drain", "active", l.active.Load())
	case <-ctx.Done():
	}

	return err
}

func (l *Listener) closeAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var combined error
	for _, ln := range l.listeners {
		combined = multierr.Append(combined, ln.Close())
	}
	l.listeners = nil
	return combined
}

// ActiveConnections reports the current number of in-flight connections.
func (l *Listener) ActiveConnections() int64 {
	return l.active.Load()
}

// bindAll binds every address concurrently, mirroring the teacher's bounded
// fan-in discovery pattern (errgroup.WithContext + per-item Go), and unwinds
// whatever was already bound if any single bind fails.
func bindAll(ctx context.Context, addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, len(addrs))
	eg, egCtx := errgroup.WithContext(ctx)

	for i, addr := range addrs {
		i, addr := i, addr
		eg.Go(func() error {
			ln, err := listenReuseAddr(egCtx, addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			listeners[i] = ln
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		for _, ln := range listeners {
			if ln != nil {
				_ = ln.Close()
			}
		}
		return nil, err
	}
	return listeners, nil
}

// listenReuseAddr binds addr with SO_REUSEADDR set on the underlying socket
// before it starts listening.
func listenReuseAddr(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return setReuseAddr(network, address, c)
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
