// Package rpcstub defines the typed RPC contract a Connection drives
// (authenticate/execute/signout; a ping is an Execute of "YIELD 1") and a
// default binary-framed implementation of it.
package rpcstub

import "context"

// Value is a minimal tagged union for a single result cell. Full graph-value
// decoding (vertices, edges, paths) is an application-layer concern; this
// library passes the wire-level scalar shape through unopinionated.
type Value struct {
	IsNull bool
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
}

// Row is one row of a result set, column values in statement order.
type Row struct {
	Columns []string
	Values  []Value
}

// QueryMetrics carries server-reported timing for one execute call.
type QueryMetrics struct {
	ExecuteMS  float64
	TraverseMS float64
}

// Response is the normalized result of an Execute call.
type Response struct {
	ErrorCode int32
	ErrorMsg  string
	Data      []Row
	Metrics   *QueryMetrics
	// Raw is the undecoded execute-response frame payload, carried through
	// for callers that asked for the raw RPC response instead of structured
	// rows (spec §6.3's returnRaw option).
	Raw []byte
}

// Stub is the typed RPC surface the spec treats as an external collaborator:
// a synchronous-style wrapper around the transport's framed byte stream.
type Stub interface {
	// Authenticate exchanges credentials for a server-issued session id.
	// error_code == 0 means success; any other error_code is surfaced via
	// *AuthError.
	Authenticate(ctx context.Context, user, pass string) (sessionID int64, err error)
	// Execute runs one statement against an existing session.
	Execute(ctx context.Context, sessionID int64, statement []byte) (*Response, error)
	// Signout releases a session server-side. Callers must tolerate failure —
	// it never prevents the caller from discarding the local session id.
	Signout(ctx context.Context, sessionID int64) error
}

// AuthError wraps a non-zero authenticate error_code/error_msg.
type AuthError struct {
	Code int32
	Msg  string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return "rpcstub: authentication rejected"
	}
	return "rpcstub: authentication rejected: " + e.Msg
}

// Config tunes the default Stub implementation.
type Config struct {
	// InvalidSessionCodes is the set of execute/ping error_code values that
	// mean "the session must be recreated." Per spec §9's open question,
	// this defaults to {-1005} (the source's hardcoded sentinel) but is
	// configurable.
	InvalidSessionCodes []int32
}

// DefaultInvalidSessionCode is the upstream source's hardcoded
// session-invalidated sentinel.
const DefaultInvalidSessionCode int32 = -1005

// DefaultConfig returns the spec's default invalid-session code set.
func DefaultConfig() Config {
	return Config{InvalidSessionCodes: []int32{DefaultInvalidSessionCode}}
}

// IsSessionInvalidated reports whether code is one of cfg's configured
// session-invalidated sentinels.
func (c Config) IsSessionInvalidated(code int32) bool {
	for _, v := range c.InvalidSessionCodes {
		if v == code {
			return true
		}
	}
	return false
}

// NotReadyCode is the sentinel Connection.Run uses when it rejects a task
// synchronously without sending any RPC (guard failure), per spec §6.5's
// "source uses 9995."
const NotReadyCode int32 = 9995
