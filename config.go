package graphpool

import (
	"fmt"
	"log/slog"
	"time"

	internalconfig "github.com/graphpool/graphpool/internal/config"
)

// Server identifies one graph database endpoint the pool dials.
type Server struct {
	Host string
	Port int
}

// PoolConfig is the programmatic configuration for a Pool. Fields are
// validated at New; construct one directly for embedding, or build one
// from a YAML file via FromFileConfig.
type PoolConfig struct {
	Servers  []Server
	Username string
	Password string
	Space    string

	SizePerServer    int
	BufferSize       int
	ExecuteTimeout   time.Duration
	PingInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectCeiling time.Duration

	MonitorInterval     time.Duration
	IdleZombie          time.Duration
	MediumZombie        time.Duration
	DeepZombie          time.Duration
	MonitorMaxConcurrent int64
	MonitorCleanupTimeout time.Duration

	InvalidSessionCodes []int32

	// ObservabilityBind/Port, if Port is non-zero, start an HTTP server
	// exposing /stats, /healthz, and /metrics.
	ObservabilityBind string
	ObservabilityPort int
}

func (c PoolConfig) validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("graphpool: at least one server is required")
	}
	for i, s := range c.Servers {
		if s.Host == "" {
			return fmt.Errorf("graphpool: servers[%d]: host is required", i)
		}
		if s.Port == 0 {
			return fmt.Errorf("graphpool: servers[%d]: port is required", i)
		}
	}
	if c.Username == "" {
		return fmt.Errorf("graphpool: username is required")
	}
	return nil
}

func (c PoolConfig) applyDefaults() PoolConfig {
	if c.SizePerServer == 0 {
		c.SizePerServer = 5
	}
	if c.BufferSize == 0 {
		c.BufferSize = 256
	}
	if c.ExecuteTimeout == 0 {
		c.ExecuteTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectInitial == 0 {
		c.ReconnectInitial = 1 * time.Second
	}
	if c.ReconnectCeiling == 0 {
		c.ReconnectCeiling = 30 * time.Second
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.IdleZombie == 0 {
		c.IdleZombie = time.Minute
	}
	if c.MediumZombie == 0 {
		c.MediumZombie = 90 * time.Second
	}
	if c.DeepZombie == 0 {
		c.DeepZombie = 2 * time.Minute
	}
	if c.MonitorMaxConcurrent == 0 {
		c.MonitorMaxConcurrent = 8
	}
	if c.MonitorCleanupTimeout == 0 {
		c.MonitorCleanupTimeout = 5 * time.Second
	}
	if len(c.InvalidSessionCodes) == 0 {
		c.InvalidSessionCodes = []int32{-1005}
	}
	return c
}

// FromFileConfig builds a PoolConfig from a loaded internal/config.Config,
// the bridge the example CLI and file-driven embedders use.
func FromFileConfig(fc *internalconfig.Config) PoolConfig {
	servers := make([]Server, len(fc.Servers))
	for i, s := range fc.Servers {
		servers[i] = Server{Host: s.Host, Port: s.Port}
	}
	return PoolConfig{
		Servers:               servers,
		Username:              fc.Auth.Username,
		Password:              fc.Auth.Password,
		Space:                 fc.Auth.Space,
		SizePerServer:         fc.Pool.SizePerServer,
		BufferSize:            fc.Pool.BufferSize,
		ExecuteTimeout:        fc.Pool.ExecuteTimeout,
		PingInterval:          fc.Pool.PingInterval,
		ReconnectInitial:      fc.Pool.ReconnectInitial,
		ReconnectCeiling:      fc.Pool.ReconnectCeiling,
		MonitorInterval:       fc.Monitor.Interval,
		IdleZombie:            fc.Monitor.IdleZombie,
		MediumZombie:          fc.Monitor.MediumZombie,
		DeepZombie:            fc.Monitor.DeepZombie,
		MonitorMaxConcurrent:  fc.Monitor.MaxConcurrent,
		MonitorCleanupTimeout: fc.Monitor.CleanupTimeout,
		ObservabilityBind:     fc.Observability.Bind,
		ObservabilityPort:     fc.Observability.Port,
	}
}

// options holds the resolved state of every Option applied to New.
type options struct {
	logger  *slog.Logger
	onEvent EventHandler
}

// Option configures optional Pool behavior not carried by PoolConfig.
type Option func(*options)

// WithLogger sets the root logger every pool component derives from.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventHandler registers a callback invoked for every connection
// lifecycle event across the pool. The handler must not block.
func WithEventHandler(h EventHandler) Option {
	return func(o *options) { o.onEvent = h }
}

// execOptions holds the resolved state of every ExecOption applied to
// Execute.
type execOptions struct {
	deadline  time.Time
	returnRaw bool
}

// ExecOption configures one Execute call.
type ExecOption func(*execOptions)

// WithDeadline bounds how long a single Execute call may run. Defaults to
// ctx's deadline when it has one, otherwise PoolConfig.ExecuteTimeout
// measured from the Execute call.
func WithDeadline(deadline time.Time) ExecOption {
	return func(o *execOptions) { o.deadline = deadline }
}

// WithReturnRaw requests the undecoded RPC response frame instead of parsed
// rows. When set, ResultSet.Raw is populated and ResultSet.Rows is left nil.
func WithReturnRaw(raw bool) ExecOption {
	return func(o *execOptions) { o.returnRaw = raw }
}
