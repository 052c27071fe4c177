// Package monitor implements the session monitor: a periodic sweep that
// classifies zombie connections and drives tiered cleanup, generalized from
// the teacher's idle-connection reaper (internal/pool.reapLoop/reapIdle)
// which only ever closed excess idle sockets.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/graphpool/graphpool/internal/metrics"
	"github.com/graphpool/graphpool/internal/session"
)

// Thresholds controls zombie classification and tier boundaries, all
// measured as time-since-last-activity.
type Thresholds struct {
	IdleZombie   time.Duration
	MediumZombie time.Duration
	DeepZombie   time.Duration
}

// Config configures Monitor.
type Config struct {
	Interval        time.Duration
	Thresholds      Thresholds
	MaxConcurrent   int64
	CleanupTimeout  time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Collector
	ConnectionsFunc func() []*session.Connection
}

// Monitor periodically walks every connection a Pool owns, classifies
// zombies, and runs the tier-appropriate cleanup.
type Monitor struct {
	cfg Config
	sem *semaphore.Weighted

	detected atomic.Int64
	cleaned  atomic.Int64
	failed   atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor. Call Start to begin ticking.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the monitor loop until Stop is called.
func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stopCh:
			return
		}
	}
}

// Stop ends the monitor loop and waits for any in-flight tick to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Tier classifies how urgently a zombie candidate needs cleanup, based on
// time-since-last-activity (spec §4.3's light/medium/deep boundaries).
type Tier = session.Tier

const (
	TierLight  = session.TierLight
	TierMedium = session.TierMedium
	TierDeep   = session.TierDeep
)

func (m *Monitor) classify(idleFor time.Duration) (Tier, bool) {
	t := m.cfg.Thresholds
	switch {
	case idleFor >= t.DeepZombie:
		return TierDeep, true
	case idleFor >= t.MediumZombie:
		return TierMedium, true
	case idleFor >= t.IdleZombie:
		return TierLight, true
	default:
		return 0, false
	}
}

// Tick runs one classification + cleanup sweep across every known
// connection. Busy connections are skipped outright (spec §4.3's ordering
// guarantee: never interleave with an in-flight run()).
func (m *Monitor) Tick() {
	if m.cfg.ConnectionsFunc == nil {
		return
	}
	conns := m.cfg.ConnectionsFunc()
	now := time.Now()

	for _, conn := range conns {
		snap := conn.Snapshot()
		if snap.Busy {
			continue
		}

		idleFor := now.Sub(snap.LastActivity)

		isCandidate := (snap.SessionID != 0 && !snap.Ready) ||
			(snap.SessionID != 0 && snap.Ready && idleFor > m.cfg.Thresholds.IdleZombie)
		if !isCandidate {
			continue
		}

		tier, ok := m.classify(idleFor)
		if !ok {
			// Just lost readiness, not yet past the idle threshold by time —
			// still a candidate per the first clause (sessionId set, not ready).
			// Treat as light: the connection needs forceCleanup regardless of
			// how long it's been since its last activity.
			tier = TierLight
		}

		m.runCleanup(conn, tier)
	}
}

func (m *Monitor) runCleanup(conn *session.Connection, tier Tier) {
	tierName := tierString(tier)
	m.detected.Add(1)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ZombieDetected(tierName)
	}

	if !m.sem.TryAcquire(1) {
		// At capacity this tick; the connection will be reconsidered next tick.
		return
	}

	go func() {
		defer m.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
		defer cancel()

		if conn.MarkZombie(ctx, tier) {
			m.cleaned.Add(1)
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.ZombieCleaned(tierName)
			}
			m.cfg.Logger.Info("zombie cleanup dispatched", "connection", conn.ID(), "tier", tierName)
			return
		}

		m.failed.Add(1)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ZombieCleanupFailed(tierName)
		}
		m.cfg.Logger.Warn("zombie cleanup dropped", "connection", conn.ID(), "tier", tierName)
	}()
}

func tierString(t Tier) string {
	switch t {
	case TierLight:
		return "light"
	case TierMedium:
		return "medium"
	case TierDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// Counters returns the running total zombies detected/cleaned/failed.
type Counters struct {
	Detected int64
	Cleaned  int64
	Failed   int64
}

// Stats returns the monitor's running counters.
func (m *Monitor) Stats() Counters {
	return Counters{
		Detected: m.detected.Load(),
		Cleaned:  m.cleaned.Load(),
		Failed:   m.failed.Load(),
	}
}
