// Package checkpoint persists one durable state snapshot per conversation
// thread. Saves are atomic per thread and idempotent; a reader never
// observes a half-written snapshot.
package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alpacapurpura/fieldline/internal/conversation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrStoreUnavailable wraps storage-layer failures. It is retryable;
	// the previously committed snapshot is never corrupted by one.
	ErrStoreUnavailable = errors.New("checkpoint store unavailable")

	// ErrConversationBusy is returned when a second caller tries to work
	// on a thread that already has a turn in flight.
	ErrConversationBusy = errors.New("conversation busy")
)

// Store is the SQLite-backed conversation checkpointer. It also owns the
// per-thread exclusion discipline: at most one in-flight save per thread id,
// unrelated threads fully parallel.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	inUse map[string]bool
}

// Open opens (or creates) the checkpoint database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "fieldline.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Wait briefly on contention instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps readers unblocked while a snapshot commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, inUse: make(map[string]bool)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection. The store is acquired
// once at startup and closed exactly once on shutdown.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so other packages can layer their own
// tables on the shared database (created via this store's migrations).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports store liveness for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// Acquire claims the per-thread turn slot for threadID. It returns a release
// func on success and ErrConversationBusy when another turn is already in
// flight for the same thread. A busy second caller is rejected, not queued.
func (s *Store) Acquire(threadID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[threadID] {
		return nil, fmt.Errorf("%w: %s", ErrConversationBusy, threadID)
	}
	s.inUse[threadID] = true
	return func() {
		s.mu.Lock()
		delete(s.inUse, threadID)
		s.mu.Unlock()
	}, nil
}

// Load returns the last successfully saved snapshot for threadID, or
// (nil, nil) when the thread has no prior state. An unknown thread is not
// an error; the caller initializes a fresh state.
func (s *Store) Load(ctx context.Context, threadID string) (*conversation.State, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM conversations WHERE thread_id = ?`, threadID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrStoreUnavailable, threadID, err)
	}

	var state conversation.State
	if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
		return nil, fmt.Errorf("decoding snapshot for %s: %w", threadID, err)
	}
	return &state, nil
}

// Save durably writes the full snapshot for threadID. The write is a single
// upsert: either the whole new snapshot commits or the prior one remains
// authoritative. Saving an identical snapshot twice is a no-op.
func (s *Store) Save(ctx context.Context, threadID string, state *conversation.State) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding snapshot for %s: %w", threadID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (thread_id, snapshot, phase, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			phase = excluded.phase,
			updated_at = excluded.updated_at`,
		threadID, string(snapshot), string(state.Phase), now,
	)
	if err != nil {
		return fmt.Errorf("%w: saving %s: %v", ErrStoreUnavailable, threadID, err)
	}
	return nil
}

// Reset replaces the thread's snapshot with a fresh initiated one,
// regardless of current phase, including from archived.
func (s *Store) Reset(ctx context.Context, threadID string) error {
	return s.Save(ctx, threadID, conversation.NewState(conversation.Context{}))
}

// ListActive returns thread ids updated within maxIdle, most recent first.
// maxIdle <= 0 lists every tracked thread.
func (s *Store) ListActive(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	query := `SELECT thread_id FROM conversations ORDER BY updated_at DESC`
	args := []any{}
	if maxIdle > 0 {
		query = `SELECT thread_id FROM conversations WHERE updated_at >= ? ORDER BY updated_at DESC`
		args = append(args, time.Now().UTC().Add(-maxIdle).Format(time.RFC3339))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing active: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		threads = append(threads, id)
	}
	return threads, rows.Err()
}
