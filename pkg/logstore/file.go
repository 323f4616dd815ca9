package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/logging"
)

const fileBackendName = "file"

// FileStore appends one JSON record per line to files partitioned by
// server name and session. It exists for plain external inspection
// (grep, jq, tail -f); it deliberately supports no queries.
type FileStore struct {
	mu    sync.Mutex
	dir   string
	files map[string]*os.File
	log   *slog.Logger
}

// NewFileStore creates an unopened store. Call Initialize before use.
func NewFileStore(log *slog.Logger) *FileStore {
	return &FileStore{
		files: make(map[string]*os.File),
		log:   logging.Component(log, "logstore"),
	}
}

// Initialize creates the storage directory. Idempotent.
func (s *FileStore) Initialize(ctx context.Context, location string) error {
	if err := os.MkdirAll(location, 0o700); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}
	s.mu.Lock()
	s.dir = location
	s.mu.Unlock()
	return nil
}

// Write appends the record to its partition file, creating parent
// directories on demand. Failures are reported inside the result.
func (s *FileStore) Write(ctx context.Context, rec *capture.Record) capture.WriteResult {
	fail := func(err error) capture.WriteResult {
		return capture.WriteResult{Backend: fileBackendName, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		return fail(ErrNotInitialized)
	}

	path := s.recordPath(rec)
	f, ok := s.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fail(fmt.Errorf("create partition directory: %w", err))
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fail(fmt.Errorf("open partition file: %w", err))
		}
		s.files[path] = f
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fail(fmt.Errorf("marshal record: %w", err))
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fail(fmt.Errorf("append record: %w", err))
	}
	return capture.WriteResult{Backend: fileBackendName, Detail: path}
}

// Close releases all open partition files.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, path)
	}
	return firstErr
}

// recordPath derives {dir}/{serverName}/{sessionFile} with both path
// components sanitized for the filesystem.
func (s *FileStore) recordPath(rec *capture.Record) string {
	server := sanitizePathComponent(rec.Metadata.ServerName)
	session := "session-" + sanitizePathComponent(rec.Metadata.SessionID) + ".jsonl"
	return filepath.Join(s.dir, server, session)
}

func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
