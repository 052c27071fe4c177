package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphpool/graphpool/internal/rpcstub"
	"github.com/graphpool/graphpool/internal/transport"
)

// fakeTransport is a no-op transport.Transport double; BinaryStub is bypassed
// entirely in these tests in favor of a fakeStub, so fakeTransport only
// needs to satisfy the interface shape Connection depends on.
type fakeTransport struct {
	events chan transport.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event)}
}

func (f *fakeTransport) Connect(ctx context.Context) error         { return nil }
func (f *fakeTransport) Events() <-chan transport.Event            { return f.events }
func (f *fakeTransport) Send(ctx context.Context, p []byte) error  { return nil }
func (f *fakeTransport) Recv(ctx context.Context) ([]byte, error)  { return nil, nil }
func (f *fakeTransport) Close() error                              { return nil }

var _ transport.Transport = (*fakeTransport)(nil)

// fakeStub drives Connection's bootstrap and task execution without any
// wire encoding, so these tests exercise the state machine in isolation.
type fakeStub struct {
	mu sync.Mutex

	authSessionID int64
	authErr       error

	executeFn func(sessionID int64, stmt []byte) (*rpcstub.Response, error)

	signoutCalls []int64
	signoutErr   error
}

func newFakeStub() *fakeStub {
	return &fakeStub{authSessionID: 1}
}

func (f *fakeStub) Authenticate(ctx context.Context, user, pass string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authErr != nil {
		return 0, f.authErr
	}
	return f.authSessionID, nil
}

func (f *fakeStub) Execute(ctx context.Context, sessionID int64, statement []byte) (*rpcstub.Response, error) {
	f.mu.Lock()
	fn := f.executeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(sessionID, statement)
	}
	return &rpcstub.Response{ErrorCode: 0, Metrics: &rpcstub.QueryMetrics{}}, nil
}

func (f *fakeStub) Signout(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signoutCalls = append(f.signoutCalls, sessionID)
	return f.signoutErr
}

func waitForState(t *testing.T, c *Connection, want State, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last snapshot %+v", want, c.Snapshot())
	return Snapshot{}
}

func newTestConnection(t *testing.T, stub *fakeStub) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	cfg := Config{
		Endpoint:            Endpoint{Host: "127.0.0.1", Port: 9669},
		Username:            "root",
		Password:            "nebula",
		Space:               "",
		ExecuteTimeout:      2 * time.Second,
		ReconnectInitial:    5 * time.Millisecond,
		ReconnectCeiling:    20 * time.Millisecond,
		InvalidSessionCodes: []int32{-1005},
	}
	c := New(cfg, func() transport.Transport { return tr }, func(transport.Transport) rpcstub.Stub { return stub })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c, tr
}

func TestConnectionBootstrapsToIdle(t *testing.T) {
	stub := newFakeStub()
	c, _ := newTestConnection(t, stub)

	snap := waitForState(t, c, StateIdle, time.Second)
	assert.True(t, snap.Ready)
	assert.Equal(t, int64(1), snap.SessionID)
}

func TestConnectionRunRejectsBeforeReady(t *testing.T) {
	stub := newFakeStub()
	stub.authErr = errors.New("auth not ready yet")
	c, _ := newTestConnection(t, stub)

	task := NewTask([]byte("YIELD 1"), false, time.Time{})
	_, err := c.Run(context.Background(), task)
	var notReady *NotReadyError
	require.Error(t, err)
	require.ErrorAs(t, err, &notReady)
}

func TestConnectionRunSucceedsOnceReady(t *testing.T) {
	stub := newFakeStub()
	c, _ := newTestConnection(t, stub)
	waitForState(t, c, StateIdle, time.Second)

	task := NewTask([]byte("YIELD 1"), false, time.Time{})
	resp, err := c.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.ErrorCode)

	snap := c.Snapshot()
	assert.False(t, snap.Busy)
	assert.Equal(t, StateIdle, snap.State)
}

func TestConnectionQuarantinesOnInvalidatedSession(t *testing.T) {
	stub := newFakeStub()
	stub.executeFn = func(sessionID int64, stmt []byte) (*rpcstub.Response, error) {
		return &rpcstub.Response{ErrorCode: -1005, ErrorMsg: "session expired"}, nil
	}
	c, _ := newTestConnection(t, stub)
	waitForState(t, c, StateIdle, time.Second)

	task := NewTask([]byte("YIELD 1"), false, time.Time{})
	_, err := c.Run(context.Background(), task)
	require.Error(t, err)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, int32(-1005), serverErr.Code)

	waitForState(t, c, StateIdle, time.Second)
	stub.mu.Lock()
	calls := append([]int64(nil), stub.signoutCalls...)
	stub.mu.Unlock()
	assert.NotEmpty(t, calls, "expected signout to be attempted when quarantining")
}

func TestConnectionCloseSignsOutHeldSession(t *testing.T) {
	stub := newFakeStub()
	c, _ := newTestConnection(t, stub)
	waitForState(t, c, StateIdle, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	stub.mu.Lock()
	calls := append([]int64(nil), stub.signoutCalls...)
	stub.mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(1), calls[0])

	snap := c.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.False(t, snap.Ready)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	stub := newFakeStub()
	c, _ := newTestConnection(t, stub)
	waitForState(t, c, StateIdle, time.Second)

	ctx := context.Background()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestConnectionPingFailsWhenNotReady(t *testing.T) {
	stub := newFakeStub()
	stub.authErr = errors.New("down")
	c, _ := newTestConnection(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, c.Ping(ctx))
}

func TestConnectionForceCleanupNullsSessionEvenOnSignoutFailure(t *testing.T) {
	stub := newFakeStub()
	stub.signoutErr = errors.New("backend unreachable")
	c, _ := newTestConnection(t, stub)
	waitForState(t, c, StateIdle, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.ForceCleanup(ctx)

	snap := c.Snapshot()
	assert.Equal(t, int64(0), snap.SessionID)
}
