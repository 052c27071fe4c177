package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return New()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestSetConnectionsByStateReplacesNotAccumulates(t *testing.T) {
	c := newTestCollector(t)

	c.SetConnectionsByState("idle", 3)
	val := getGaugeValue(c.connectionsByState.WithLabelValues("idle"))
	if val != 3 {
		t.Errorf("expected idle=3, got %v", val)
	}

	c.SetConnectionsByState("idle", 1)
	val = getGaugeValue(c.connectionsByState.WithLabelValues("idle"))
	if val != 1 {
		t.Errorf("expected idle=1 after update, got %v", val)
	}
}

func TestTaskCompletedIncrementsByOutcome(t *testing.T) {
	c := newTestCollector(t)

	c.TaskCompleted("ok", 5*time.Millisecond)
	c.TaskCompleted("ok", 10*time.Millisecond)
	c.TaskCompleted("timeout", 1*time.Second)

	if v := getCounterValue(c.tasksTotal.WithLabelValues("ok")); v != 2 {
		t.Errorf("expected ok=2, got %v", v)
	}
	if v := getCounterValue(c.tasksTotal.WithLabelValues("timeout")); v != 1 {
		t.Errorf("expected timeout=1, got %v", v)
	}
}

func TestEnqueueRejectedByReason(t *testing.T) {
	c := newTestCollector(t)

	c.EnqueueRejected("queue_full")
	c.EnqueueRejected("queue_full")
	c.EnqueueRejected("closed")

	if v := getCounterValue(c.enqueueRejected.WithLabelValues("queue_full")); v != 2 {
		t.Errorf("expected queue_full=2, got %v", v)
	}
	if v := getCounterValue(c.enqueueRejected.WithLabelValues("closed")); v != 1 {
		t.Errorf("expected closed=1, got %v", v)
	}
}

func TestZombieCounters(t *testing.T) {
	c := newTestCollector(t)

	c.ZombieDetected("light")
	c.ZombieDetected("light")
	c.ZombieCleaned("light")
	c.ZombieCleanupFailed("deep")

	if v := getCounterValue(c.zombieDetected.WithLabelValues("light")); v != 2 {
		t.Errorf("expected light detected=2, got %v", v)
	}
	if v := getCounterValue(c.zombieCleaned.WithLabelValues("light")); v != 1 {
		t.Errorf("expected light cleaned=1, got %v", v)
	}
	if v := getCounterValue(c.zombieCleanupFailed.WithLabelValues("deep")); v != 1 {
		t.Errorf("expected deep cleanup failed=1, got %v", v)
	}
}

func TestReconnectAndAuthFailures(t *testing.T) {
	c := newTestCollector(t)

	c.ReconnectAttempted("db1:9669")
	c.ReconnectAttempted("db1:9669")
	c.AuthFailed("db1:9669")

	if v := getCounterValue(c.reconnectAttempts.WithLabelValues("db1:9669")); v != 2 {
		t.Errorf("expected reconnect attempts=2, got %v", v)
	}
	if v := getCounterValue(c.authFailures.WithLabelValues("db1:9669")); v != 1 {
		t.Errorf("expected auth failures=1, got %v", v)
	}
}

func TestPingFailed(t *testing.T) {
	c := newTestCollector(t)

	c.PingFailed()
	c.PingFailed()

	if v := getCounterValue(c.pingFailures); v != 2 {
		t.Errorf("expected ping failures=2, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.SetPoolSize(4)
	c2.SetPoolSize(8)

	if v := getGaugeValue(c1.poolSize); v != 4 {
		t.Errorf("c1 expected pool size=4, got %v", v)
	}
	if v := getGaugeValue(c2.poolSize); v != 8 {
		t.Errorf("c2 expected pool size=8, got %v", v)
	}
}
