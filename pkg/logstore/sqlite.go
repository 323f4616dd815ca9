// Package logstore provides the persistence backends for capture records:
// an embedded relational store with query support, and a flat-file store
// for plain inspection.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/logging"
	"github.com/mcpscope/mcpscope/pkg/mcp"
)

func decodeID(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return mcp.DecodeID(v.String)
}

// Common errors.
var (
	// ErrNotInitialized indicates use of a store before Initialize.
	ErrNotInitialized = errors.New("logstore: not initialized")
)

const sqliteBackendName = "sqlite"

// tsLayout is a fixed-width UTC instant so stored timestamps compare
// correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// SQLiteStore is the relational log store: an append-only indexed table in
// a single-file embedded database. It implements both capture.Backend
// (write path) and capture.QueryStore (analytics path).
type SQLiteStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	log  *slog.Logger

	// The schema migration gate: concurrent first-callers serialize on
	// one in-flight attempt; success is latched, failure is not cached.
	migrate  singleflight.Group
	migrated atomic.Bool
}

// NewSQLiteStore creates an unopened store. Call Initialize before use.
func NewSQLiteStore(log *slog.Logger) *SQLiteStore {
	return &SQLiteStore{log: logging.Component(log, "logstore")}
}

// Initialize opens the database file at location and runs migrations.
// Calling it again on an open store is a no-op.
func (s *SQLiteStore) Initialize(ctx context.Context, location string) error {
	s.mu.Lock()
	if s.db != nil {
		s.mu.Unlock()
		return nil
	}

	dsn := "file:" + location +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open database: %w", err)
	}
	s.db = db
	s.path = location
	s.mu.Unlock()

	return s.ensureReady(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// ensureReady gates every read and write behind completed migrations.
// The first caller runs them; concurrent callers await the same in-flight
// attempt. A failed attempt is cleared so a later call can retry.
func (s *SQLiteStore) ensureReady(ctx context.Context) error {
	if s.migrated.Load() {
		return nil
	}
	_, err, _ := s.migrate.Do("schema", func() (any, error) {
		if s.migrated.Load() {
			return nil, nil
		}
		if err := s.runMigrations(ctx); err != nil {
			return nil, err
		}
		s.migrated.Store(true)
		return nil, nil
	})
	if err != nil {
		s.log.Error("schema migration failed", "path", s.path, "error", err)
	}
	return err
}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", v+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
		s.log.Info("applied schema migration", "version", v+1)
	}
	return nil
}

// Write persists one record as one row. Failures are reported inside the
// result so the capture pipeline can log and continue.
func (s *SQLiteStore) Write(ctx context.Context, rec *capture.Record) capture.WriteResult {
	fail := func(err error) capture.WriteResult {
		return capture.WriteResult{Backend: sqliteBackendName, Err: err}
	}

	if err := s.ensureReady(ctx); err != nil {
		return fail(err)
	}
	db, err := s.handle()
	if err != nil {
		return fail(err)
	}

	rpcID := sql.NullString{}
	if enc, ok := mcp.EncodeID(rec.ID); ok {
		rpcID = sql.NullString{String: enc, Valid: true}
	}

	metaBlob, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fail(fmt.Errorf("marshal metadata: %w", err))
	}

	var clientName, clientVersion sql.NullString
	if rec.Metadata.Client != nil {
		clientName = sql.NullString{String: rec.Metadata.Client.Name, Valid: true}
		clientVersion = sql.NullString{String: rec.Metadata.Client.Version, Valid: true}
	}

	var tokens sql.NullInt64
	if rec.Metadata.Tokens != nil {
		tokens = sql.NullInt64{Int64: *rec.Metadata.Tokens, Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO logs (
			timestamp, method, rpc_id, server_name, session_id,
			duration_ms, http_status, request, response, error,
			sse_event, metadata, client_name, client_version, tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTS(rec.Timestamp),
		rec.Method,
		rpcID,
		rec.Metadata.ServerName,
		rec.Metadata.SessionID,
		rec.Metadata.DurationMs,
		rec.Metadata.HTTPStatus,
		blobOrNull(rec.Request),
		blobOrNull(rec.Response),
		blobOrNull(responseError(rec.Response)),
		blobOrNull(rec.SSEEvent),
		string(metaBlob),
		clientName,
		clientVersion,
		tokens,
	)
	if err != nil {
		return fail(fmt.Errorf("insert record: %w", err))
	}

	if err := s.touchSession(ctx, rec); err != nil {
		// Session metadata is derived state; losing an update is not
		// worth failing the record write.
		s.log.Warn("session metadata update failed",
			"session", rec.Metadata.SessionID, "error", err)
	}

	rowID, _ := res.LastInsertId()
	return capture.WriteResult{
		Backend: sqliteBackendName,
		Detail:  "row " + strconv.FormatInt(rowID, 10),
	}
}

func (s *SQLiteStore) touchSession(ctx context.Context, rec *capture.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	var clientName, clientVersion sql.NullString
	if rec.Metadata.Client != nil {
		clientName = sql.NullString{String: rec.Metadata.Client.Name, Valid: true}
		clientVersion = sql.NullString{String: rec.Metadata.Client.Version, Valid: true}
	}

	ts := formatTS(rec.Timestamp)
	_, err = db.ExecContext(ctx, `
		INSERT INTO session_metadata (
			session_id, server_name, client_name, client_version,
			started_at, last_activity
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			server_name = excluded.server_name,
			client_name = COALESCE(excluded.client_name, client_name),
			client_version = COALESCE(excluded.client_version, client_version),
			last_activity = excluded.last_activity`,
		rec.Metadata.SessionID,
		rec.Metadata.ServerName,
		clientName,
		clientVersion,
		ts,
		ts,
	)
	return err
}

// ClearAll deletes every row and resets the auto-increment counter in a
// single transaction; a partial clear is never observable.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM logs"); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_metadata"); err != nil {
		return fmt.Errorf("clear session metadata: %w", err)
	}
	// sqlite_sequence only exists once an AUTOINCREMENT table has seen an
	// insert; an empty database has nothing to reset.
	if _, err := tx.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = 'logs'"); err != nil {
		if !strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("reset id counter: %w", err)
		}
	}

	return tx.Commit()
}

// filterColumns maps filter fields to their backing columns.
var filterColumns = map[capture.Field]string{
	capture.FieldClient:   "client_name",
	capture.FieldMethod:   "method",
	capture.FieldSession:  "session_id",
	capture.FieldServer:   "server_name",
	capture.FieldDuration: "duration_ms",
	capture.FieldTokens:   "tokens",
}

var numericOps = map[capture.NumericOp]string{
	capture.NumericEq:  "=",
	capture.NumericGt:  ">",
	capture.NumericLt:  "<",
	capture.NumericGte: ">=",
	capture.NumericLte: "<=",
}

// whereClause translates query options into a conjunction of predicates:
// one predicate per filter, evaluated disjunctively across its values,
// narrowed further by the time range.
func whereClause(opts capture.QueryOptions) (string, []any, error) {
	var conds []string
	var args []any

	for _, f := range opts.Filters {
		col, ok := filterColumns[f.Field()]
		if !ok {
			return "", nil, fmt.Errorf("%w: field %q", capture.ErrInvalidFilter, f.Field())
		}

		var ors []string
		if f.Numeric() {
			op, ok := numericOps[f.NumericOperator()]
			if !ok {
				return "", nil, fmt.Errorf("%w: operator %q", capture.ErrInvalidFilter, f.NumericOperator())
			}
			for _, v := range f.NumericValues() {
				ors = append(ors, col+" "+op+" ?")
				args = append(args, v)
			}
		} else {
			for _, v := range f.StringValues() {
				switch f.StringOperator() {
				case capture.StringIs:
					ors = append(ors, col+" = ?")
				case capture.StringContains:
					// instr is case-sensitive, unlike LIKE.
					ors = append(ors, "instr("+col+", ?) > 0")
				default:
					return "", nil, fmt.Errorf("%w: operator %q", capture.ErrInvalidFilter, f.StringOperator())
				}
				args = append(args, v)
			}
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	if !opts.After.IsZero() {
		conds = append(conds, "timestamp > ?")
		args = append(args, formatTS(opts.After))
	}
	if !opts.Before.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, formatTS(opts.Before))
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// Query executes a filtered, ordered, cursor-paginated read. HasMore is
// determined by probing for one row beyond the limit, never by a separate
// count, so concurrent writes cannot drift the cursor. The surrogate id
// is a secondary sort key so ordering is strictly monotonic even when
// timestamps tie.
func (s *SQLiteStore) Query(ctx context.Context, opts capture.QueryOptions) (*capture.QueryResult, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	where, args, err := whereClause(opts)
	if err != nil {
		return nil, err
	}

	limit := opts.EffectiveLimit()
	dir := "DESC"
	if opts.EffectiveOrder() == capture.OrderAsc {
		dir = "ASC"
	}

	query := `SELECT timestamp, method, rpc_id, server_name, session_id,
		duration_ms, http_status, request, response, sse_event, metadata
		FROM logs` + where +
		" ORDER BY timestamp " + dir + ", id " + dir +
		" LIMIT ?"
	args = append(args, limit+1)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*capture.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan logs: %w", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	result := &capture.QueryResult{
		Data: records,
		Pagination: capture.Pagination{
			Count:   len(records),
			Limit:   limit,
			HasMore: hasMore,
		},
	}
	if len(records) > 0 {
		first, last := records[0].Timestamp, records[len(records)-1].Timestamp
		oldest, newest := first, last
		if oldest.After(newest) {
			oldest, newest = newest, oldest
		}
		result.Pagination.OldestTimestamp = &oldest
		result.Pagination.NewestTimestamp = &newest
	}
	return result, nil
}

func scanRecord(rows *sql.Rows) (*capture.Record, error) {
	var ts, method, serverName, sessionID string
	var rpcID, request, response, sseEvent, metaBlob sql.NullString
	var durationMs int64
	var httpStatus int
	if err := rows.Scan(&ts, &method, &rpcID, &serverName, &sessionID,
		&durationMs, &httpStatus, &request, &response, &sseEvent, &metaBlob); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	timestamp, err := parseTS(ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}

	rec := &capture.Record{
		Timestamp: timestamp,
		Method:    method,
		ID:        decodeID(rpcID),
	}
	if request.Valid {
		rec.Request = json.RawMessage(request.String)
	}
	if response.Valid {
		rec.Response = json.RawMessage(response.String)
	}
	if sseEvent.Valid {
		rec.SSEEvent = json.RawMessage(sseEvent.String)
	}

	if metaBlob.Valid && metaBlob.String != "" {
		if err := json.Unmarshal([]byte(metaBlob.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	} else {
		// Rows written before the metadata column existed reconstruct
		// from the core columns.
		rec.Metadata = capture.Metadata{
			ServerName: serverName,
			SessionID:  sessionID,
			DurationMs: durationMs,
			HTTPStatus: httpStatus,
		}
	}
	return rec, nil
}

// ServerAggregates groups the log by server name.
func (s *SQLiteStore) ServerAggregates(ctx context.Context) ([]capture.ServerAggregate, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT server_name, COUNT(*), MAX(timestamp)
		FROM logs GROUP BY server_name ORDER BY server_name`)
	if err != nil {
		return nil, fmt.Errorf("aggregate servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capture.ServerAggregate
	for rows.Next() {
		var agg capture.ServerAggregate
		var last string
		if err := rows.Scan(&agg.Name, &agg.ExchangeCount, &last); err != nil {
			return nil, err
		}
		if agg.LastActivity, err = parseTS(last); err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// SessionAggregates groups the log by session, with min/max timestamps.
func (s *SQLiteStore) SessionAggregates(ctx context.Context) ([]capture.SessionAggregate, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT l.session_id, l.server_name, COUNT(*),
			MIN(l.timestamp), MAX(l.timestamp),
			COALESCE(m.client_name, '')
		FROM logs l
		LEFT JOIN session_metadata m ON m.session_id = l.session_id
		GROUP BY l.session_id, l.server_name
		ORDER BY MAX(l.timestamp) DESC`)
	if err != nil {
		return nil, fmt.Errorf("aggregate sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capture.SessionAggregate
	for rows.Next() {
		var agg capture.SessionAggregate
		var start, end string
		if err := rows.Scan(&agg.SessionID, &agg.ServerName, &agg.LogCount,
			&start, &end, &agg.ClientName); err != nil {
			return nil, err
		}
		if agg.StartTime, err = parseTS(start); err != nil {
			return nil, err
		}
		if agg.EndTime, err = parseTS(end); err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// ClientAggregates groups the log by client identity.
func (s *SQLiteStore) ClientAggregates(ctx context.Context) ([]capture.ClientAggregate, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT client_name, COALESCE(client_version, ''),
			COUNT(*), COUNT(DISTINCT session_id)
		FROM logs
		WHERE client_name IS NOT NULL AND client_name != ''
		GROUP BY client_name, client_version
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("aggregate clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capture.ClientAggregate
	for rows.Next() {
		var agg capture.ClientAggregate
		if err := rows.Scan(&agg.ClientName, &agg.ClientVersion,
			&agg.LogCount, &agg.SessionCount); err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// Methods returns the distinct method names seen in the log.
func (s *SQLiteStore) Methods(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT DISTINCT method FROM logs ORDER BY method")
	if err != nil {
		return nil, fmt.Errorf("distinct methods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func blobOrNull(b json.RawMessage) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// responseError extracts the error member of a response payload for the
// dedicated error column, keeping failed exchanges cheap to find.
func responseError(response json.RawMessage) json.RawMessage {
	if response == nil {
		return nil
	}
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(response, &probe); err != nil {
		return nil
	}
	return probe.Error
}

