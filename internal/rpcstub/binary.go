package rpcstub

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/graphpool/graphpool/internal/transport"
)

// Message kinds for the default binary wire protocol. One byte, first thing
// in every frame transport.Send/Recv exchanges.
const (
	kindAuthenticateReq byte = iota + 1
	kindAuthenticateResp
	kindExecuteReq
	kindExecuteResp
	kindSignoutReq
	kindSignoutResp
)

// BinaryStub speaks a small length-prefixed binary protocol over a
// transport.Transport: 1-byte message kind, then fields packed with
// encoding/binary and null-terminated strings — the same hand-rolled framing
// idiom the teacher uses for its Postgres startup message and MySQL
// handshake response, retargeted to authenticate/execute/signout.
type BinaryStub struct {
	t   transport.Transport
	cfg Config
}

// NewBinaryStub wraps a connected Transport with the default wire codec.
func NewBinaryStub(t transport.Transport, cfg Config) *BinaryStub {
	return &BinaryStub{t: t, cfg: cfg}
}

func putString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func readString(payload []byte, pos int) (string, int, error) {
	end := pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	if end >= len(payload) {
		return "", 0, fmt.Errorf("rpcstub: unterminated string field")
	}
	return string(payload[pos:end]), end + 1, nil
}

// Authenticate sends a kindAuthenticateReq frame (user\0pass\0) and waits for
// kindAuthenticateResp (error_code(4) + error_msg\0 + session_id(8)).
func (b *BinaryStub) Authenticate(ctx context.Context, user, pass string) (int64, error) {
	var body []byte
	body = putString(body, user)
	body = putString(body, pass)
	if err := b.sendFrame(ctx, kindAuthenticateReq, body); err != nil {
		return 0, err
	}

	kind, payload, err := b.recvFrame(ctx)
	if err != nil {
		return 0, err
	}
	if kind != kindAuthenticateResp {
		return 0, fmt.Errorf("rpcstub: unexpected frame kind %d for authenticate", kind)
	}
	if len(payload) < 4 {
		return 0, fmt.Errorf("rpcstub: truncated authenticate response")
	}
	code := int32(binary.BigEndian.Uint32(payload[:4]))
	msg, pos, err := readString(payload, 4)
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, &AuthError{Code: code, Msg: msg}
	}
	if pos+8 > len(payload) {
		return 0, fmt.Errorf("rpcstub: truncated session id")
	}
	sessionID := int64(binary.BigEndian.Uint64(payload[pos : pos+8]))
	return sessionID, nil
}

// Execute sends a kindExecuteReq frame (session_id(8) + stmt_len(4) + stmt)
// and decodes the kindExecuteResp frame into a *Response.
func (b *BinaryStub) Execute(ctx context.Context, sessionID int64, statement []byte) (*Response, error) {
	body := make([]byte, 8, 8+4+len(statement))
	binary.BigEndian.PutUint64(body, uint64(sessionID))
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(statement)))
	body = append(body, lenBuf...)
	body = append(body, statement...)

	if err := b.sendFrame(ctx, kindExecuteReq, body); err != nil {
		return nil, err
	}

	kind, payload, err := b.recvFrame(ctx)
	if err != nil {
		return nil, err
	}
	if kind != kindExecuteResp {
		return nil, fmt.Errorf("rpcstub: unexpected frame kind %d for execute", kind)
	}
	return decodeExecuteResp(payload)
}

func decodeExecuteResp(payload []byte) (*Response, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("rpcstub: truncated execute response")
	}
	resp := &Response{Raw: payload}
	resp.ErrorCode = int32(binary.BigEndian.Uint32(payload[:4]))
	msg, pos, err := readString(payload, 4)
	if err != nil {
		return nil, err
	}
	resp.ErrorMsg = msg

	if pos+8 > len(payload) {
		return nil, fmt.Errorf("rpcstub: truncated metrics")
	}
	executeMS := float64(binary.BigEndian.Uint32(payload[pos:pos+4])) / 1000.0
	traverseMS := float64(binary.BigEndian.Uint32(payload[pos+4:pos+8])) / 1000.0
	resp.Metrics = &QueryMetrics{ExecuteMS: executeMS, TraverseMS: traverseMS}
	pos += 8

	if pos+4 > len(payload) {
		return nil, fmt.Errorf("rpcstub: truncated row count")
	}
	rowCount := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
	pos += 4

	resp.Data = make([]Row, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		row, next, err := decodeRow(payload, pos)
		if err != nil {
			return nil, err
		}
		resp.Data = append(resp.Data, row)
		pos = next
	}
	return resp, nil
}

func decodeRow(payload []byte, pos int) (Row, int, error) {
	if pos+4 > len(payload) {
		return Row{}, 0, fmt.Errorf("rpcstub: truncated column count")
	}
	colCount := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
	pos += 4

	row := Row{Columns: make([]string, 0, colCount), Values: make([]Value, 0, colCount)}
	for i := 0; i < colCount; i++ {
		name, next, err := readString(payload, pos)
		if err != nil {
			return Row{}, 0, err
		}
		pos = next

		if pos >= len(payload) {
			return Row{}, 0, fmt.Errorf("rpcstub: truncated value tag")
		}
		tag := payload[pos]
		pos++

		var v Value
		switch tag {
		case 0:
			v.IsNull = true
		case 1:
			if pos >= len(payload) {
				return Row{}, 0, fmt.Errorf("rpcstub: truncated bool value")
			}
			v.Bool = payload[pos] != 0
			pos++
		case 2:
			if pos+8 > len(payload) {
				return Row{}, 0, fmt.Errorf("rpcstub: truncated int value")
			}
			v.Int = int64(binary.BigEndian.Uint64(payload[pos : pos+8]))
			pos += 8
		case 3:
			if pos+8 > len(payload) {
				return Row{}, 0, fmt.Errorf("rpcstub: truncated float value")
			}
			bits := binary.BigEndian.Uint64(payload[pos : pos+8])
			v.Float = math.Float64frombits(bits)
			pos += 8
		case 4:
			s, next, err := readString(payload, pos)
			if err != nil {
				return Row{}, 0, err
			}
			v.Str = s
			pos = next
		default:
			return Row{}, 0, fmt.Errorf("rpcstub: unknown value tag %d", tag)
		}

		row.Columns = append(row.Columns, name)
		row.Values = append(row.Values, v)
	}
	return row, pos, nil
}

// Signout sends a kindSignoutReq frame and waits for acknowledgement. Per
// spec, callers must tolerate failure here — Connection.forceCleanup treats
// any error as best-effort and proceeds to null out the local session id.
func (b *BinaryStub) Signout(ctx context.Context, sessionID int64) error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, uint64(sessionID))
	if err := b.sendFrame(ctx, kindSignoutReq, body); err != nil {
		return err
	}
	kind, _, err := b.recvFrame(ctx)
	if err != nil {
		return err
	}
	if kind != kindSignoutResp {
		return fmt.Errorf("rpcstub: unexpected frame kind %d for signout", kind)
	}
	return nil
}

func (b *BinaryStub) sendFrame(ctx context.Context, kind byte, body []byte) error {
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, kind)
	frame = append(frame, body...)
	return b.t.Send(ctx, frame)
}

func (b *BinaryStub) recvFrame(ctx context.Context) (byte, []byte, error) {
	frame, err := b.t.Recv(ctx)
	if err != nil {
		return 0, nil, err
	}
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("rpcstub: empty frame")
	}
	return frame[0], frame[1:], nil
}
