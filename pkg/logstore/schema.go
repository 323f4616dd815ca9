package logstore

// Schema migrations for the relational log store. Migrations are additive
// and versioned through PRAGMA user_version; migration i upgrades a
// database at version i to version i+1.
var migrations = [][]string{
	// v1: capture table, dominant-query indices, session metadata.
	{
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			method TEXT NOT NULL,
			rpc_id TEXT,
			server_name TEXT NOT NULL,
			session_id TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			http_status INTEGER NOT NULL DEFAULT 0,
			request TEXT,
			response TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_server ON logs(server_name)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_server_session ON logs(server_name, session_id)`,
		`CREATE TABLE IF NOT EXISTS session_metadata (
			session_id TEXT PRIMARY KEY,
			server_name TEXT NOT NULL,
			client_name TEXT,
			client_version TEXT,
			started_at TEXT NOT NULL,
			last_activity TEXT NOT NULL
		)`,
	},
	// v2: SSE payloads, full metadata blob, client identity columns for
	// aggregation, and token usage for the tokens filter.
	{
		`ALTER TABLE logs ADD COLUMN sse_event TEXT`,
		`ALTER TABLE logs ADD COLUMN metadata TEXT`,
		`ALTER TABLE logs ADD COLUMN client_name TEXT`,
		`ALTER TABLE logs ADD COLUMN client_version TEXT`,
		`ALTER TABLE logs ADD COLUMN tokens INTEGER`,
		`CREATE INDEX IF NOT EXISTS idx_logs_client ON logs(client_name)`,
	},
}
