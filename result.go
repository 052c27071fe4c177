package graphpool

import "github.com/graphpool/graphpool/internal/rpcstub"

// Value is a single result cell, re-exported from the internal RPC layer so
// callers never import internal packages.
type Value = rpcstub.Value

// Row is one row of a result set, column values in statement order.
type Row = rpcstub.Row

// QueryMetrics carries server-reported timing for one Execute call.
type QueryMetrics = rpcstub.QueryMetrics

// ResultSet is the normalized outcome of Execute. ConnectionID, ErrorCode and
// ErrorMsg are passed through from the servicing session as-is, even on a
// nil error, so callers that care about server-side soft-failure codes (spec
// §7) don't need to parse them back out of an error string. Raw carries the
// undecoded response frame when the call was made with WithReturnRaw(true);
// Rows is left nil in that case.
type ResultSet struct {
	Rows         []Row
	Metrics      *QueryMetrics
	ConnectionID string
	ErrorCode    int32
	ErrorMsg     string
	Raw          []byte
}

func newResultSet(resp *rpcstub.Response, connectionID string, returnRaw bool) *ResultSet {
	if resp == nil {
		return &ResultSet{ConnectionID: connectionID}
	}
	rs := &ResultSet{
		Metrics:      resp.Metrics,
		ConnectionID: connectionID,
		ErrorCode:    resp.ErrorCode,
		ErrorMsg:     resp.ErrorMsg,
	}
	if returnRaw {
		rs.Raw = resp.Raw
	} else {
		rs.Rows = resp.Data
	}
	return rs
}
