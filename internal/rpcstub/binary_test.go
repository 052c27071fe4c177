package rpcstub

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphpool/graphpool/internal/transport"
)

// pipeTransport is an in-memory transport.Transport pairing two ends, used
// to drive BinaryStub's request/response framing without real sockets.
type pipeTransport struct {
	in  chan []byte
	out chan []byte
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := make(chan []byte, 8)
	b := make(chan []byte, 8)
	return &pipeTransport{in: b, out: a}, &pipeTransport{in: a, out: b}
}

func (p *pipeTransport) Connect(ctx context.Context) error { return nil }
func (p *pipeTransport) Events() <-chan transport.Event    { return nil }
func (p *pipeTransport) Send(ctx context.Context, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.out <- buf
	return nil
}
func (p *pipeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case v := <-p.in:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (p *pipeTransport) Close() error { return nil }

// serverAuthOK replies to one authenticate request with the given session id.
func serverAuthOK(t *testing.T, server *pipeTransport, sessionID int64) {
	t.Helper()
	frame := <-server.in
	require.Equal(t, kindAuthenticateReq, frame[0])

	var body []byte
	body = append(body, 0, 0, 0, 0) // error_code = 0
	body = putString(body, "")      // error_msg
	sidBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sidBuf, uint64(sessionID))
	body = append(body, sidBuf...)

	resp := append([]byte{kindAuthenticateResp}, body...)
	server.out <- resp
}

func TestBinaryStubAuthenticateRoundTrip(t *testing.T) {
	clientSide, serverSide := newPipePair()
	stub := NewBinaryStub(clientSide, DefaultConfig())

	done := make(chan struct{})
	go func() {
		serverAuthOK(t, serverSide, 42)
		close(done)
	}()

	sid, err := stub.Authenticate(context.Background(), "root", "nebula")
	require.NoError(t, err)
	assert.Equal(t, int64(42), sid)
	<-done
}

func TestBinaryStubAuthenticateRejected(t *testing.T) {
	clientSide, serverSide := newPipePair()
	stub := NewBinaryStub(clientSide, DefaultConfig())

	go func() {
		frame := <-serverSide.in
		require.Equal(t, kindAuthenticateReq, frame[0])
		var body []byte
		body = append(body, 0, 0, 0, 1) // error_code = 1
		body = putString(body, "bad credentials")
		body = append(body, make([]byte, 8)...)
		serverSide.out <- append([]byte{kindAuthenticateResp}, body...)
	}()

	_, err := stub.Authenticate(context.Background(), "root", "wrong")
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, int32(1), authErr.Code)
}

func TestBinaryStubExecuteDecodesRowsAndMetrics(t *testing.T) {
	clientSide, serverSide := newPipePair()
	stub := NewBinaryStub(clientSide, DefaultConfig())

	go func() {
		frame := <-serverSide.in
		require.Equal(t, kindExecuteReq, frame[0])

		var body []byte
		body = append(body, 0, 0, 0, 0) // error_code
		body = putString(body, "")
		exMS := make([]byte, 4)
		binary.BigEndian.PutUint32(exMS, 1500) // 1.5ms
		trMS := make([]byte, 4)
		binary.BigEndian.PutUint32(trMS, 500)
		body = append(body, exMS...)
		body = append(body, trMS...)

		rowCount := make([]byte, 4)
		binary.BigEndian.PutUint32(rowCount, 1)
		body = append(body, rowCount...)

		colCount := make([]byte, 4)
		binary.BigEndian.PutUint32(colCount, 1)
		body = append(body, colCount...)
		body = putString(body, "v")
		body = append(body, 4) // string tag
		body = putString(body, "hello")

		serverSide.out <- append([]byte{kindExecuteResp}, body...)
	}()

	resp, err := stub.Execute(context.Background(), 42, []byte("YIELD 1"))
	require.NoError(t, err)
	require.Equal(t, int32(0), resp.ErrorCode)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "hello", resp.Data[0].Values[0].Str)
	assert.InDelta(t, 1.5, resp.Metrics.ExecuteMS, 0.001)
}

func TestIsSessionInvalidated(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.IsSessionInvalidated(-1005))
	assert.False(t, cfg.IsSessionInvalidated(-1))
}

var _ transport.Transport = (*pipeTransport)(nil)
