package capture

import (
	"context"
	"time"
)

// Order is the timestamp ordering of query results.
type Order string

// Orderings. Descending (most recent first) is the default.
const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Page size bounds.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// QueryOptions describes one log query: filters AND-combined across
// fields, an open time range, a bounded page size and an ordering.
//
// Pagination is cursor-based on timestamp: to continue a page, pass the
// previous page's OldestTimestamp as Before (descending) or its
// NewestTimestamp as After (ascending). The range bounds compare strictly,
// so the boundary record itself is not repeated.
type QueryOptions struct {
	Filters []Filter
	After   time.Time // zero = unbounded
	Before  time.Time // zero = unbounded
	Limit   int       // 0 = DefaultQueryLimit, capped at MaxQueryLimit
	Order   Order     // "" = OrderDesc
}

// EffectiveLimit resolves the page size against the defaults and cap.
func (o QueryOptions) EffectiveLimit() int {
	limit := o.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	return limit
}

// EffectiveOrder resolves the ordering default.
func (o QueryOptions) EffectiveOrder() Order {
	if o.Order == OrderAsc {
		return OrderAsc
	}
	return OrderDesc
}

// Pagination describes the returned page, giving the caller the cursor
// bounds for the next request.
type Pagination struct {
	Count           int        `json:"count"`
	Limit           int        `json:"limit"`
	HasMore         bool       `json:"hasMore"`
	OldestTimestamp *time.Time `json:"oldestTimestamp,omitempty"`
	NewestTimestamp *time.Time `json:"newestTimestamp,omitempty"`
}

// QueryResult is one page of records plus its pagination envelope.
type QueryResult struct {
	Data       []*Record  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ServerAggregate is the per-server grouping derived from the log.
type ServerAggregate struct {
	Name          string    `json:"name"`
	ExchangeCount int64     `json:"exchangeCount"`
	LastActivity  time.Time `json:"lastActivity"`
}

// SessionAggregate is the per-session grouping derived from the log.
// StartTime and EndTime are the min/max timestamp among the session's
// records.
type SessionAggregate struct {
	SessionID  string    `json:"sessionId"`
	ServerName string    `json:"serverName"`
	LogCount   int64     `json:"logCount"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	ClientName string    `json:"clientName,omitempty"`
}

// ClientAggregate is the per-client grouping derived from the log.
type ClientAggregate struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion,omitempty"`
	LogCount      int64  `json:"logCount"`
	SessionCount  int64  `json:"sessionCount"`
}

// QueryStore is the analytical surface of a log store. Only the relational
// backend implements it; the flat-file backend is write-only by design.
// Query and aggregate failures propagate: a query has no softer fallback.
type QueryStore interface {
	Query(ctx context.Context, opts QueryOptions) (*QueryResult, error)
	ServerAggregates(ctx context.Context) ([]ServerAggregate, error)
	SessionAggregates(ctx context.Context) ([]SessionAggregate, error)
	ClientAggregates(ctx context.Context) ([]ClientAggregate, error)
	Methods(ctx context.Context) ([]string, error)

	// ClearAll removes every record and resets identifier counters,
	// atomically: a partial clear is never observable.
	ClearAll(ctx context.Context) error
}
