package graphpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internalconfig "github.com/graphpool/graphpool/internal/config"
)

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PoolConfig
		wantErr bool
	}{
		{"valid", PoolConfig{Servers: []Server{{Host: "h", Port: 1}}, Username: "u"}, false},
		{"no servers", PoolConfig{Username: "u"}, true},
		{"missing host", PoolConfig{Servers: []Server{{Port: 1}}, Username: "u"}, true},
		{"missing port", PoolConfig{Servers: []Server{{Host: "h"}}, Username: "u"}, true},
		{"missing username", PoolConfig{Servers: []Server{{Host: "h", Port: 1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPoolConfigApplyDefaults(t *testing.T) {
	cfg := PoolConfig{Servers: []Server{{Host: "h", Port: 1}}, Username: "u"}
	cfg = cfg.applyDefaults()

	assert.Equal(t, 5, cfg.SizePerServer)
	assert.Equal(t, 256, cfg.BufferSize)
	assert.Equal(t, 10*time.Second, cfg.ExecuteTimeout)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, time.Second, cfg.ReconnectInitial)
	assert.Equal(t, 30*time.Second, cfg.ReconnectCeiling)
	assert.Equal(t, time.Minute, cfg.IdleZombie)
	assert.Equal(t, 90*time.Second, cfg.MediumZombie)
	assert.Equal(t, 2*time.Minute, cfg.DeepZombie)
	assert.Equal(t, []int32{-1005}, cfg.InvalidSessionCodes)
}

func TestPoolConfigApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := PoolConfig{
		Servers:        []Server{{Host: "h", Port: 1}},
		Username:       "u",
		SizePerServer:  9,
		ExecuteTimeout: 2 * time.Second,
	}
	cfg = cfg.applyDefaults()

	assert.Equal(t, 9, cfg.SizePerServer)
	assert.Equal(t, 2*time.Second, cfg.ExecuteTimeout)
}

func TestFromFileConfig(t *testing.T) {
	fc := &internalconfig.Config{
		Servers: []internalconfig.ServerConfig{{Host: "a", Port: 9669}, {Host: "b", Port: 9670}},
		Auth:    internalconfig.AuthConfig{Username: "root", Password: "pw", Space: "g"},
		Pool:    internalconfig.PoolSettings{SizePerServer: 3, ExecuteTimeout: 5 * time.Second},
		Monitor: internalconfig.MonitorSettings{IdleZombie: 2 * time.Minute},
	}

	pc := FromFileConfig(fc)

	assert.Equal(t, []Server{{Host: "a", Port: 9669}, {Host: "b", Port: 9670}}, pc.Servers)
	assert.Equal(t, "root", pc.Username)
	assert.Equal(t, "g", pc.Space)
	assert.Equal(t, 3, pc.SizePerServer)
	assert.Equal(t, 5*time.Second, pc.ExecuteTimeout)
	assert.Equal(t, 2*time.Minute, pc.IdleZombie)
}

func TestOptionsApply(t *testing.T) {
	var o options
	WithLogger(nil)(&o)
	called := false
	WithEventHandler(func(Event) { called = true })(&o)
	o.onEvent(Event{})
	assert.True(t, called)
}

func TestExecOptionsApply(t *testing.T) {
	var eo execOptions
	deadline := time.Now().Add(time.Minute)
	WithDeadline(deadline)(&eo)
	assert.Equal(t, deadline, eo.deadline)
}

func TestWithReturnRawSetsFlag(t *testing.T) {
	var eo execOptions
	WithReturnRaw(true)(&eo)
	assert.True(t, eo.returnRaw)
}
