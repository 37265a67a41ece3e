// Package app wires configuration, policy, routing, pooling, telemetry and
// the listener/admin servers into a single runnable Application, following
// the teacher's app/app.go Start/Stop shape generalised from one http.Server
// to the proxy's listener + admin pair.
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/thushan/netgate/internal/admin"
	"github.com/thushan/netgate/internal/config"
	"github.com/thushan/netgate/internal/handler"
	"github.com/thushan/netgate/internal/listener"
	"github.com/thushan/netgate/internal/logger"
	"github.com/thushan/netgate/internal/policy/acl"
	"github.com/thushan/netgate/internal/policy/blocklist"
	"github.com/thushan/netgate/internal/policy/ratelimit"
	"github.com/thushan/netgate/internal/routing"
	"github.com/thushan/netgate/internal/telemetry"
	"github.com/thushan/netgate/internal/upstream/pool"
)

// Application owns every long-lived proxy component and their start/stop order.
type Application struct {
	cfg    *config.Config
	logger *logger.StyledLogger

	pool        *pool.Pool
	rateLimiter *ratelimit.Limiter
	telemetry   *telemetry.Telemetry

	listener *listener.Listener
	admin    *admin.Server
}

// New builds an Application from cfg, wiring the blocklist, rate limiter,
// ACL, router, connection pool, telemetry, connection handler, listener and
// admin server together.
func New(cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	bl := blocklist.New(cfg.Blocklist.Extra)

	rl := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.SweepInterval)

	aclRules := make([]acl.Rule, 0, len(cfg.ACL.Rules))
	for _, r := range cfg.ACL.Rules {
		rule, err := acl.ParseRule(r.CIDR, r.Action)
		if err != nil {
			return nil, fmt.Errorf("invalid acl rule %q/%q: %w", r.CIDR, r.Action, err)
		}
		aclRules = append(aclRules, rule)
	}
	aclEngine := acl.New(aclRules)

	routeRules := make([]routing.Rule, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		rule := routing.Rule{
			Match: routing.Match{
				SNISuffix:  r.Match.SNISuffix,
				HostSuffix: r.Match.HostSuffix,
			},
			Target: routing.Target{Host: r.Upstream.Host, Port: r.Upstream.Port},
		}
		if r.Match.ClientCIDR != "" {
			_, network, err := net.ParseCIDR(r.Match.ClientCIDR)
			if err != nil {
				return nil, fmt.Errorf("invalid route client_cidr %q: %w", r.Match.ClientCIDR, err)
			}
			rule.Match.ClientCIDR = network
		}
		routeRules = append(routeRules, rule)
	}
	router := routing.New(routeRules)

	connPool := pool.New(cfg.Pool.MaxPerKey, cfg.Pool.MaxIdle, cfg.Pool.SweepInterval)

	tel := telemetry.New(1000, 200)

	h := handler.New(handler.Config{
		BufferSize:        cfg.Proxy.BufferSize,
		PrefixCapBytes:    cfg.Proxy.PrefixCapBytes,
		PrefixReadTimeout: cfg.Proxy.PrefixReadTimeout,
		ConnectTimeout:    cfg.Proxy.ConnectTimeout,
		IdleTimeout:       cfg.Proxy.IdleTimeout,
	}, handler.Deps{
		Blocklist:   bl,
		RateLimiter: rl,
		ACL:         aclEngine,
		Router:      router,
		Pool:        connPool,
		Telemetry:   tel,
		Logger:      log,
	})

	lst := listener.New(cfg.Listen, cfg.Proxy.MaxConnections, cfg.Proxy.ShutdownTimeout, h, log)
	adminSrv := admin.New(cfg.Admin, tel, log)

	return &Application{
		cfg:         cfg,
		logger:      log,
		pool:        connPool,
		rateLimiter: rl,
		telemetry:   tel,
		listener:    lst,
		admin:       adminSrv,
	}, nil
}

// Start binds the listener and starts the admin server.
func (a *Application) Start(ctx context.Context) error {
	if err := a.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	a.admin.Start(ctx)

	a.logger.Info("proxy started", "listen", a.cfg.Listen, "admin", a.cfg.Admin)
	return nil
}

// Stop drains in-flight connections, stops the admin server and tears down
// background workers (rate limiter sweep, idle connection pool sweep).
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.shutdownTimeout())
	defer cancel()

	if err := a.listener.Stop(shutdownCtx); err != nil {
		a.logger.Error("error closing listeners", "error", err)
	}
	if err := a.admin.Stop(shutdownCtx); err != nil {
		a.logger.Error("error stopping admin server", "error", err)
	}

	a.rateLimiter.Stop()
	a.pool.Close()

	return nil
}

func (a *Application) shutdownTimeout() time.Duration {
	if a.cfg.Proxy.ShutdownTimeout > 0 {
		return a.cfg.Proxy.ShutdownTimeout
	}
	return 5 * time.Second
}
