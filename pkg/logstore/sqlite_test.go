package logstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/mcp"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(nil)
	path := filepath.Join(t.TempDir(), "capture.db")
	require.NoError(t, store.Initialize(context.Background(), path))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(server, session, method string, ts time.Time) *capture.Record {
	return &capture.Record{
		Timestamp: ts,
		Method:    method,
		ID:        "req-" + method,
		Metadata: capture.Metadata{
			ServerName: server,
			SessionID:  session,
			HTTPStatus: 200,
		},
		Request: json.RawMessage(`{"jsonrpc":"2.0","id":"req-` + method + `","method":"` + method + `"}`),
	}
}

func mustWrite(t *testing.T, store *SQLiteStore, recs ...*capture.Record) {
	t.Helper()
	for _, rec := range recs {
		res := store.Write(context.Background(), rec)
		require.NoError(t, res.Err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	written := []*capture.Record{
		testRecord("alpha", "s1", "initialize", base),
		testRecord("alpha", "s1", "tools/list", base.Add(time.Second)),
		testRecord("beta", "s2", "tools/call", base.Add(2*time.Second)),
	}
	mustWrite(t, store, written...)

	result, err := store.Query(ctx, capture.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Data, 3)

	// Default order is newest first.
	assert.Equal(t, "tools/call", result.Data[0].Method)
	assert.Equal(t, "initialize", result.Data[2].Method)

	// Full record content survives the round trip.
	rec := result.Data[2]
	assert.Equal(t, "req-initialize", rec.ID)
	assert.Equal(t, "alpha", rec.Metadata.ServerName)
	assert.Equal(t, "s1", rec.Metadata.SessionID)
	assert.Equal(t, 200, rec.Metadata.HTTPStatus)
	assert.JSONEq(t, string(written[0].Request), string(rec.Request))
	assert.WithinDuration(t, base, rec.Timestamp, time.Millisecond)
}

func TestSQLiteStoreMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tokens := int64(123)
	rec := testRecord("alpha", "s1", "tools/call", time.Now())
	rec.Metadata.Client = &mcp.ClientInfo{Name: "inspector", Version: "2.1"}
	rec.Metadata.UserAgent = "inspector/2.1"
	rec.Metadata.ClientIP = "10.0.0.9"
	rec.Metadata.Tokens = &tokens
	mustWrite(t, store, rec)

	result, err := store.Query(ctx, capture.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)

	got := result.Data[0]
	require.NotNil(t, got.Metadata.Client)
	assert.Equal(t, "inspector", got.Metadata.Client.Name)
	assert.Equal(t, "inspector/2.1", got.Metadata.UserAgent)
	assert.Equal(t, "10.0.0.9", got.Metadata.ClientIP)
	require.NotNil(t, got.Metadata.Tokens)
	assert.Equal(t, int64(123), *got.Metadata.Tokens)
}

func TestSQLiteStoreNumericIDRoundTrip(t *testing.T) {
	store := newTestStore(t)

	rec := testRecord("alpha", "s1", "ping", time.Now())
	rec.ID = float64(42)
	mustWrite(t, store, rec)

	result, err := store.Query(context.Background(), capture.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, float64(42), result.Data[0].ID)
}

func TestSQLiteStoreClearAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustWrite(t, store,
		testRecord("alpha", "s1", "a", time.Now()),
		testRecord("alpha", "s1", "b", time.Now()))

	require.NoError(t, store.ClearAll(ctx))

	result, err := store.Query(ctx, capture.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Data)

	// The id counter resets: the next write starts over at row 1, so
	// new records cannot collide with pre-clear identifiers.
	res := store.Write(ctx, testRecord("alpha", "s1", "c", time.Now()))
	require.NoError(t, res.Err)
	assert.Equal(t, "row 1", res.Detail)
}

func TestSQLiteStoreStringFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	mustWrite(t, store,
		testRecord("alpha", "s1", "tools/list", base),
		testRecord("alpha-staging", "s2", "tools/call", base.Add(time.Second)),
		testRecord("beta", "s3", "tools/call", base.Add(2*time.Second)))

	exact, err := capture.NewStringFilter(capture.FieldServer, capture.StringIs, "alpha")
	require.NoError(t, err)
	result, err := store.Query(ctx, capture.QueryOptions{Filters: []capture.Filter{exact}})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "alpha", result.Data[0].Metadata.ServerName)

	sub, err := capture.NewStringFilter(capture.FieldServer, capture.StringContains, "alph")
	require.NoError(t, err)
	result, err = store.Query(ctx, capture.QueryOptions{Filters: []capture.Filter{sub}})
	require.NoError(t, err)
	assert.Len(t, result.Data, 2, "substring match hits both alpha variants")

	// Substring matching is case-sensitive.
	upper, err := capture.NewStringFilter(capture.FieldServer, capture.StringContains, "ALPH")
	require.NoError(t, err)
	result, err = store.Query(ctx, capture.QueryOptions{Filters: []capture.Filter{upper}})
	require.NoError(t, err)
	assert.Empty(t, result.Data)
}

func TestSQLiteStoreMultiValueFilterORs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	mustWrite(t, store,
		testRecord("a", "s1", "x", base),
		testRecord("b", "s2", "y", base.Add(time.Second)),
		testRecord("c", "s3", "z", base.Add(2*time.Second)))

	either, err := capture.NewStringFilter(capture.FieldServer, capture.StringIs, "a", "b")
	require.NoError(t, err)
	result, err := store.Query(ctx, capture.QueryOptions{Filters: []capture.Filter{either}})
	require.NoError(t, err)
	assert.Len(t, result.Data, 2, "array values OR together")
}

func TestSQLiteStoreFiltersAcrossFieldsAND(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	mustWrite(t, store,
		testRecord("a", "s1", "tools/list", base),
		testRecord("a", "s2", "tools/call", base.Add(time.Second)),
		testRecord("b", "s1", "tools/list", base.Add(2*time.Second)))

	server, err := capture.NewStringFilter(capture.FieldServer, capture.StringIs, "a")
	require.NoError(t, err)
	method, err := capture.NewStringFilter(capture.FieldMethod, capture.StringIs, "tools/list")
	require.NoError(t, err)

	result, err := store.Query(ctx, capture.QueryOptions{Filters: []capture.Filter{server, method}})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "s1", result.Data[0].Metadata.SessionID)
}

func TestSQLiteStoreDurationFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	slow := testRecord("a", "s1", "tools/call", base)
	slow.Metadata.DurationMs = 500
	fast := testRecord("a", "s1", "ping", base.Add(time.Second))
	fast.Metadata.DurationMs = 5
	mustWrite(t, store, slow, fast)

	over100, err := capture.NewNumericFilter(capture.FieldDuration, capture.NumericGt, 100)
	require.NoError(t, err)
	result, err := store.Query(ctx, capture.QueryOptions{Filters: []capture.Filter{over100}})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "tools/call", result.Data[0].Method)
}

func TestSQLiteStoreTokensFilterSkipsNull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	counted := testRecord("a", "s1", "tools/call", base)
	n := int64(900)
	counted.Metadata.Tokens = &n
	plain := testRecord("a", "s1", "ping", base.Add(time.Second))
	mustWrite(t, store, counted, plain)

	f, err := capture.NewNumericFilter(capture.FieldTokens, capture.NumericGte, 1)
	require.NoError(t, err)
	result, err := store.Query(ctx, capture.QueryOptions{Filters: []capture.Filter{f}})
	require.NoError(t, err)
	require.Len(t, result.Data, 1, "records without a token count never match")
	assert.Equal(t, "tools/call", result.Data[0].Method)
}

func TestSQLiteStorePagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	mustWrite(t, store,
		testRecord("a", "s1", "first", base),
		testRecord("a", "s1", "second", base.Add(time.Second)),
		testRecord("a", "s1", "third", base.Add(2*time.Second)))

	page1, err := store.Query(ctx, capture.QueryOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Data, 2)
	assert.True(t, page1.Pagination.HasMore)
	assert.Equal(t, 2, page1.Pagination.Count)
	require.NotNil(t, page1.Pagination.OldestTimestamp)
	require.NotNil(t, page1.Pagination.NewestTimestamp)

	// Newest first: page one holds third and second.
	assert.Equal(t, "third", page1.Data[0].Method)
	assert.WithinDuration(t, page1.Data[0].Timestamp, *page1.Pagination.NewestTimestamp, time.Millisecond)
	assert.WithinDuration(t, page1.Data[1].Timestamp, *page1.Pagination.OldestTimestamp, time.Millisecond)

	// Continue with the cursor.
	page2, err := store.Query(ctx, capture.QueryOptions{
		Limit:  2,
		Before: *page1.Pagination.OldestTimestamp,
	})
	require.NoError(t, err)
	require.Len(t, page2.Data, 1)
	assert.Equal(t, "first", page2.Data[0].Method)
	assert.False(t, page2.Pagination.HasMore)
}

func TestSQLiteStoreOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	mustWrite(t, store,
		testRecord("a", "s1", "old", base),
		testRecord("a", "s1", "new", base.Add(time.Second)))

	asc, err := store.Query(ctx, capture.QueryOptions{Order: capture.OrderAsc})
	require.NoError(t, err)
	assert.Equal(t, "old", asc.Data[0].Method)

	desc, err := store.Query(ctx, capture.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "new", desc.Data[0].Method)
}

func TestSQLiteStoreTimestampTieBreak(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	// Identical timestamps: insertion order decides via the surrogate id.
	mustWrite(t, store,
		testRecord("a", "s1", "one", ts),
		testRecord("a", "s1", "two", ts),
		testRecord("a", "s1", "three", ts))

	asc, err := store.Query(ctx, capture.QueryOptions{Order: capture.OrderAsc})
	require.NoError(t, err)
	require.Len(t, asc.Data, 3)
	assert.Equal(t, "one", asc.Data[0].Method)
	assert.Equal(t, "three", asc.Data[2].Method)

	desc, err := store.Query(ctx, capture.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "three", desc.Data[0].Method)
}

func TestSQLiteStoreAggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	recA1 := testRecord("a", "s1", "initialize", base)
	recA1.Metadata.Client = &mcp.ClientInfo{Name: "inspector", Version: "1.0"}
	recA2 := testRecord("a", "s1", "tools/list", base.Add(time.Second))
	recA3 := testRecord("a", "s2", "tools/call", base.Add(2*time.Second))
	recA3.Metadata.Client = &mcp.ClientInfo{Name: "inspector", Version: "1.0"}
	recB := testRecord("b", "s3", "tools/call", base.Add(3*time.Second))
	mustWrite(t, store, recA1, recA2, recA3, recB)

	servers, err := store.ServerAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "a", servers[0].Name)
	assert.Equal(t, int64(3), servers[0].ExchangeCount)
	assert.WithinDuration(t, base.Add(2*time.Second), servers[0].LastActivity, time.Millisecond)
	assert.Equal(t, "b", servers[1].Name)
	assert.Equal(t, int64(1), servers[1].ExchangeCount)

	sessions, err := store.SessionAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	var s1 *capture.SessionAggregate
	for i := range sessions {
		if sessions[i].SessionID == "s1" {
			s1 = &sessions[i]
		}
	}
	require.NotNil(t, s1)
	assert.Equal(t, int64(2), s1.LogCount)
	assert.WithinDuration(t, base, s1.StartTime, time.Millisecond)
	assert.WithinDuration(t, base.Add(time.Second), s1.EndTime, time.Millisecond)
	assert.Equal(t, "inspector", s1.ClientName)

	clients, err := store.ClientAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "inspector", clients[0].ClientName)
	assert.Equal(t, int64(2), clients[0].LogCount)
	assert.Equal(t, int64(2), clients[0].SessionCount)

	methods, err := store.Methods(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"initialize", "tools/call", "tools/list"}, methods)
}

func TestSQLiteStoreConcurrentFirstUse(t *testing.T) {
	store := NewSQLiteStore(nil)
	path := filepath.Join(t.TempDir(), "capture.db")
	require.NoError(t, store.Initialize(context.Background(), path))
	t.Cleanup(func() { _ = store.Close() })

	// Concurrent writers all pass through the migration gate without
	// re-running migrations or failing.
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testRecord("a", "s1", "ping", time.Now())
			if res := store.Write(context.Background(), rec); res.Err != nil {
				errs <- res.Err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write failed: %v", err)
	}

	result, err := store.Query(context.Background(), capture.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Data, 10)
}

func TestSQLiteStoreInitializeIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Initialize(context.Background(), store.Path()))
}

func TestSQLiteStoreWriteBeforeInitialize(t *testing.T) {
	store := NewSQLiteStore(nil)
	res := store.Write(context.Background(), testRecord("a", "s1", "x", time.Now()))
	assert.ErrorIs(t, res.Err, ErrNotInitialized)
}
