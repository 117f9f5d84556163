package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database. Captured
// output is stored zstd-compressed.
type SQLiteStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: every :memory: connection is its own database, and a
	// single writer avoids SQLITE_BUSY from the background writer.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &SQLiteStore{db: db, enc: enc, dec: dec}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *storage.Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res := r.Result

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, request_id, caller, language, code,
			stdout, stderr, stdout_truncated, stderr_truncated,
			status_kind, exit_code, signal, duration_ns, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.Caller, r.Language, r.Code,
		s.compress(res.Stdout), s.compress(res.Stderr), res.StdoutTruncated, res.StderrTruncated,
		string(res.Status.Kind), res.Status.Code, res.Status.Signal, int64(res.Duration), res.Message,
		r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, request_id, caller, language, code,
	stdout, stderr, stdout_truncated, stderr_truncated,
	status_kind, exit_code, signal, duration_ns, message, created_at
	FROM submissions`

func (s *SQLiteStore) FindByCaller(ctx context.Context, caller string, opts storage.ListOptions) ([]storage.Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE caller = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		caller, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	var records []storage.Record
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, caller, id string) (*storage.Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", storage.ErrNotFound)
	}

	// Try exact match first, then prefix match. substr keeps the prefix
	// literal where LIKE would treat % and _ as wildcards.
	r, err := s.scanRecord(s.db.QueryRowContext(ctx,
		selectColumns+` WHERE id = ? AND (? = '' OR caller = ?)`, id, caller, caller))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying submission: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE substr(id, 1, length(?)) = ? AND (? = '' OR caller = ?) LIMIT 2`,
		id, id, caller, caller)
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Record
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w %q", storage.ErrAmbiguous, id)
	}
}

func (s *SQLiteStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *SQLiteStore) compress(data string) []byte {
	if data == "" {
		return nil
	}
	return s.enc.EncodeAll([]byte(data), nil)
}

func (s *SQLiteStore) decompress(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	out, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return "", fmt.Errorf("decompressing output: %w", err)
	}
	return string(out), nil
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRecord(sc scanner) (*storage.Record, error) {
	var (
		r              storage.Record
		stdout, stderr []byte
		kind           string
		durationNs     int64
		createdAt      int64
	)
	err := sc.Scan(&r.ID, &r.RequestID, &r.Caller, &r.Language, &r.Code,
		&stdout, &stderr, &r.Result.StdoutTruncated, &r.Result.StderrTruncated,
		&kind, &r.Result.Status.Code, &r.Result.Status.Signal, &durationNs, &r.Result.Message,
		&createdAt)
	if err != nil {
		return nil, err
	}
	if r.Result.Stdout, err = s.decompress(stdout); err != nil {
		return nil, err
	}
	if r.Result.Stderr, err = s.decompress(stderr); err != nil {
		return nil, err
	}
	r.Result.Status.Kind = sandbox.StatusKind(kind)
	r.Result.Duration = time.Duration(durationNs)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return &r, nil
}
