package graphpool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/graphpool/graphpool/internal/poolcore"
	"github.com/graphpool/graphpool/internal/session"
)

func TestTranslateErrorMapsSentinels(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"not ready", &session.NotReadyError{}, ErrNotReady},
		{"timeout", &session.TimeoutError{}, ErrTimeout},
		{"auth rejected", &session.AuthRejectedError{Code: 1, Msg: "bad creds"}, ErrAuthRejected},
		{"pool closed", poolcore.ErrClosed{}, ErrClosed},
		{"queue full", poolcore.ErrEnqueueFull{}, ErrEnqueueFull},
		{"no ready connections", poolcore.ErrNoReadyConnections{}, ErrNotReady},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestTranslateErrorPreservesServerError(t *testing.T) {
	in := &session.ServerError{Code: 42, Msg: "bad statement"}
	got := translateError(in)

	var se *ServerError
	if !errors.As(got, &se) {
		t.Fatalf("expected *ServerError, got %T", got)
	}
	assert.Equal(t, int32(42), se.Code)
	assert.Equal(t, "bad statement", se.Message)
}

func TestTranslateErrorPassesThroughUnknown(t *testing.T) {
	in := errors.New("boom")
	assert.Equal(t, in, translateError(in))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), PoolConfig{})
	assert.Error(t, err)
}
