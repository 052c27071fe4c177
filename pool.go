// Package graphpool is a connection-pool and session-lifecycle manager for
// a graph database client speaking a binary RPC protocol. It owns dialing,
// authentication, session reuse, zombie-session cleanup, and task dispatch
// across a fixed set of server endpoints, so callers only ever see
// New/Execute/Close.
package graphpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/graphpool/graphpool/internal/metrics"
	"github.com/graphpool/graphpool/internal/monitor"
	"github.com/graphpool/graphpool/internal/obsserver"
	"github.com/graphpool/graphpool/internal/poolcore"
	"github.com/graphpool/graphpool/internal/rpcstub"
	"github.com/graphpool/graphpool/internal/session"
	"github.com/graphpool/graphpool/internal/transport"
)

// Pool is a connection pool against one or more graph database servers.
// A Pool dials PoolConfig.SizePerServer connections per server, keeps them
// authenticated, retires and replaces sessions the server or the network
// invalidates, and dispatches Execute calls round-robin across whichever
// connections are ready and idle.
type Pool struct {
	core    *poolcore.Pool
	mon     *monitor.Monitor
	metrics *metrics.Collector
	obs     *obsserver.Server
	cfg     PoolConfig
	logger  *slog.Logger
}

// New builds a Pool, dialing and authenticating every configured connection
// concurrently. Per spec, a connection that fails to authenticate does not
// fail New — it is retried in the background and simply starts out not
// ready; New only fails on configuration errors.
func New(ctx context.Context, cfg PoolConfig, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.applyDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	mc := metrics.New()

	servers := make([]session.Endpoint, len(cfg.Servers))
	for i, s := range cfg.Servers {
		servers[i] = session.Endpoint{Host: s.Host, Port: s.Port}
	}

	var onEvent func(session.Event)
	if o.onEvent != nil {
		onEvent = func(e session.Event) { o.onEvent(fromSessionEvent(e)) }
	}

	coreCfg := poolcore.Config{
		Servers:             servers,
		PoolSizePerSrv:      cfg.SizePerServer,
		BufferSize:          cfg.BufferSize,
		ExecuteTimeout:      cfg.ExecuteTimeout,
		PingInterval:        cfg.PingInterval,
		Username:            cfg.Username,
		Password:            cfg.Password,
		Space:               cfg.Space,
		ReconnectInitial:    cfg.ReconnectInitial,
		ReconnectCeiling:    cfg.ReconnectCeiling,
		InvalidSessionCodes: cfg.InvalidSessionCodes,
		Logger:              logger,
		Metrics:             mc,
		OnEvent:             onEvent,
		NewTransport: func(ep session.Endpoint) transport.Transport {
			return transport.NewTCPTransport(ep.Host, ep.Port, transport.Config{})
		},
		NewStub: func(tr transport.Transport) rpcstub.Stub {
			return rpcstub.NewBinaryStub(tr, rpcstub.Config{InvalidSessionCodes: cfg.InvalidSessionCodes})
		},
	}

	core, err := poolcore.New(ctx, coreCfg)
	if err != nil {
		return nil, fmt.Errorf("graphpool: %w", err)
	}

	mon := monitor.New(monitor.Config{
		Interval: cfg.MonitorInterval,
		Thresholds: monitor.Thresholds{
			IdleZombie:   cfg.IdleZombie,
			MediumZombie: cfg.MediumZombie,
			DeepZombie:   cfg.DeepZombie,
		},
		MaxConcurrent:   cfg.MonitorMaxConcurrent,
		CleanupTimeout:  cfg.MonitorCleanupTimeout,
		Logger:          logger,
		Metrics:         mc,
		ConnectionsFunc: core.Connections,
	})
	mon.Start()

	p := &Pool{core: core, mon: mon, metrics: mc, cfg: cfg, logger: logger}

	if cfg.ObservabilityPort != 0 {
		bind := cfg.ObservabilityBind
		if bind == "" {
			bind = "127.0.0.1"
		}
		p.obs = obsserver.New(statsAdapter{p}, mc.Handler(), logger)
		if err := p.obs.Start(bind, cfg.ObservabilityPort); err != nil {
			mon.Stop()
			core.Close(ctx)
			return nil, fmt.Errorf("graphpool: starting observability server: %w", err)
		}
	}

	return p, nil
}

// statsAdapter satisfies obsserver.StatsProvider without exposing
// poolcore.Stats as part of this package's public surface.
type statsAdapter struct{ p *Pool }

func (a statsAdapter) Stats() any { return a.p.core.Stats() }

// Execute runs one statement against whichever ready, idle connection the
// pool selects, round-robin. It blocks until the statement completes, its
// deadline passes, or ctx is canceled.
func (p *Pool) Execute(ctx context.Context, stmt string, opts ...ExecOption) (*ResultSet, error) {
	var eo execOptions
	for _, opt := range opts {
		opt(&eo)
	}
	deadline := eo.deadline
	if deadline.IsZero() {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		} else {
			deadline = time.Now().Add(p.cfg.ExecuteTimeout)
		}
	}

	result, err := p.core.Submit(ctx, []byte(stmt), eo.returnRaw, deadline)
	if err != nil {
		return nil, translateError(err)
	}
	return newResultSet(result.Response, result.ConnectionID, eo.returnRaw), nil
}

// Stats returns a point-in-time summary of pool connection state.
func (p *Pool) Stats() poolcore.Stats {
	return p.core.Stats()
}

// MonitorStats returns zombie-detection counters accumulated since New.
func (p *Pool) MonitorStats() monitor.Counters {
	return p.mon.Stats()
}

// Close stops the session monitor and observability server, lets in-flight
// tasks finish up to PoolConfig.ExecuteTimeout, signs out every session, and
// tears down every connection.
func (p *Pool) Close(ctx context.Context) error {
	p.mon.Stop()
	if p.obs != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		p.obs.Stop(shutCtx)
	}
	return translateError(p.core.Close(ctx))
}

// translateError maps internal sentinel error types onto this package's
// exported sentinels, so callers never need to import internal packages to
// use errors.Is/errors.As.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var notReady *session.NotReadyError
	if errors.As(err, &notReady) {
		return ErrNotReady
	}
	var timeout *session.TimeoutError
	if errors.As(err, &timeout) {
		return ErrTimeout
	}
	var authRejected *session.AuthRejectedError
	if errors.As(err, &authRejected) {
		return ErrAuthRejected
	}
	var serverErr *session.ServerError
	if errors.As(err, &serverErr) {
		return &ServerError{Code: serverErr.Code, Message: serverErr.Msg}
	}
	var closed poolcore.ErrClosed
	if errors.As(err, &closed) {
		return ErrClosed
	}
	var full poolcore.ErrEnqueueFull
	if errors.As(err, &full) {
		return ErrEnqueueFull
	}
	var noReady poolcore.ErrNoReadyConnections
	if errors.As(err, &noReady) {
		return ErrNotReady
	}
	return err
}
