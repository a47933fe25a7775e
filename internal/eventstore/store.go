package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	_ "modernc.org/sqlite"
)

const (
	StatusRequested = "requested"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a request id is unknown.
var ErrNotFound = errors.New("request not found")

// Request is the metadata kept for one synthesis call. Text and audio are
// never stored.
type Request struct {
	ID          string
	Source      string
	Locale      string
	Voice       string
	Format      string
	TextLength  int
	Status      string
	HTTPStatus  int
	Error       string
	AudioBytes  int64
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Renewal records one background token renewal attempt.
type Renewal struct {
	ID        int64
	OK        bool
	Error     string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed timeline of synthesis requests and token renewals.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. Ephemeral mode keeps
// nothing and every method is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    source TEXT,
    locale TEXT,
    voice TEXT,
    format TEXT,
    text_length INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    http_status INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    audio_bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
CREATE TABLE IF NOT EXISTS renewals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ok INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_renewals_created ON renewals(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.disabled() {
		return nil
	}
	return s.db.Close()
}

// RecordRequest inserts a request in the requested state.
func (s *Store) RecordRequest(ctx context.Context, req Request) error {
	if s.disabled() {
		return nil
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, source, locale, voice, format, text_length, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		req.ID, req.Source, req.Locale, req.Voice, req.Format, req.TextLength, StatusRequested, req.CreatedAt.UnixNano())
	return err
}

// CompleteRequest marks a request as delivered with audioBytes of audio.
func (s *Store) CompleteRequest(ctx context.Context, id string, audioBytes int64) error {
	if s.disabled() {
		return nil
	}
	return s.finish(ctx, id, StatusCompleted, 0, "", audioBytes)
}

// FailRequest marks a request as failed. httpStatus is zero for non-HTTP failures.
func (s *Store) FailRequest(ctx context.Context, id string, httpStatus int, cause error) error {
	if s.disabled() {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, id, StatusFailed, httpStatus, msg, 0)
}

func (s *Store) finish(ctx context.Context, id, status string, httpStatus int, msg string, audioBytes int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, http_status = ?, error = ?, audio_bytes = ?, completed_at = ?
		 WHERE request_id = ?`,
		status, httpStatus, msg, audioBytes, s.clock().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRequest loads one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (Request, error) {
	if s.disabled() {
		return Request{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectRequest+` WHERE request_id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return req, err
}

// ListRequests returns up to limit requests, newest first.
func (s *Store) ListRequests(ctx context.Context, limit int) ([]Request, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRequest+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const selectRequest = `SELECT request_id, source, locale, voice, format, text_length, status,
	http_status, error, audio_bytes, created_at, completed_at FROM requests`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (Request, error) {
	var (
		r                           Request
		source, locale, voice, fmtS sql.NullString
		errMsg                      sql.NullString
		created                     int64
		completed                   sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &source, &locale, &voice, &fmtS, &r.TextLength, &r.Status,
		&r.HTTPStatus, &errMsg, &r.AudioBytes, &created, &completed); err != nil {
		return Request{}, err
	}
	r.Source = source.String
	r.Locale = locale.String
	r.Voice = voice.String
	r.Format = fmtS.String
	r.Error = errMsg.String
	r.CreatedAt = time.Unix(0, created).UTC()
	if completed.Valid {
		r.CompletedAt = time.Unix(0, completed.Int64).UTC()
	}
	return r, nil
}

// RecordRenewal stores the outcome of a renewal attempt; cause is nil on success.
func (s *Store) RecordRenewal(ctx context.Context, cause error) error {
	if s.disabled() {
		return nil
	}
	ok, msg := 1, ""
	if cause != nil {
		ok, msg = 0, cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO renewals(ok, error, created_at) VALUES(?, ?, ?)`,
		ok, msg, s.clock().UTC().UnixNano())
	return err
}

// ListRenewals returns up to limit renewal attempts, newest first.
func (s *Store) ListRenewals(ctx context.Context, limit int) ([]Renewal, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ok, error, created_at FROM renewals ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Renewal
	for rows.Next() {
		var (
			r       Renewal
			ok      int
			errMsg  sql.NullString
			created int64
		)
		if err := rows.Scan(&r.ID, &ok, &errMsg, &created); err != nil {
			return nil, err
		}
		r.OK = ok == 1
		r.Error = errMsg.String
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM renewals WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
