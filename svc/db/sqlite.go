package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"whisperwall/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// SQLite is the ledger store. Every mutating operation runs inside a single
// transaction, so no reader ever observes a half-applied post, vote, or grant.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	_, err = s.db.Exec("PRAGMA foreign_keys=ON")
	if err != nil {
		return errors.Wrap(err, "enable foreign keys")
	}
	// AUTOINCREMENT keeps ids monotonic and never reused. Deleted whispers
	// stay addressable as tombstones.
	query := `
	CREATE TABLE IF NOT EXISTS whispers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		author TEXT NOT NULL,
		whisper_type INTEGER NOT NULL,
		content_mode INTEGER NOT NULL,
		plain_content TEXT NOT NULL DEFAULT '',
		encrypted_handle BLOB,
		recipient TEXT NOT NULL,
		tag TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		is_anonymous INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_whispers_public ON whispers(whisper_type, id);
	CREATE INDEX IF NOT EXISTS idx_whispers_author ON whispers(author, id);
	CREATE INDEX IF NOT EXISTS idx_whispers_recipient ON whispers(recipient, id) WHERE whisper_type = 1;
	CREATE TABLE IF NOT EXISTS tallies (
		whisper_id INTEGER PRIMARY KEY REFERENCES whispers(id),
		like_handle BLOB NOT NULL,
		dislike_handle BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS votes (
		whisper_id INTEGER NOT NULL REFERENCES whispers(id),
		voter TEXT NOT NULL,
		state INTEGER NOT NULL,
		PRIMARY KEY (whisper_id, voter)
	);
	CREATE TABLE IF NOT EXISTS access_grants (
		whisper_id INTEGER NOT NULL REFERENCES whispers(id),
		grantee TEXT NOT NULL,
		PRIMARY KEY (whisper_id, grantee)
	);
	CREATE TABLE IF NOT EXISTS counters (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total INTEGER NOT NULL,
		public INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO counters (id, total, public) VALUES (1, 0, 0);
	`
	_, err = s.db.Exec(query)
	return err
}

// Append inserts a whisper plus its encrypted-zero tallies, seeds the access
// grants, and bumps the running counters, all in one transaction. Returns the
// assigned id. A rejected post never reaches this point, so rejected posts
// consume no id.
func (s *SQLite) Append(ctx context.Context, w *domain.Whisper, likeHandle, dislikeHandle []byte, grantees []domain.Address) (uint64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "begin post")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(queryCtx, `
	INSERT INTO whispers (author, whisper_type, content_mode, plain_content, encrypted_handle, recipient, tag, created_at, is_anonymous)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Author.String(), w.Type, w.ContentMode, w.PlainContent, w.EncryptedHandle,
		w.Recipient.String(), string(w.Tag), w.CreatedAt, w.IsAnonymous,
	)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "insert whisper")
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "whisper id")
	}
	if _, err := tx.ExecContext(queryCtx,
		`INSERT INTO tallies (whisper_id, like_handle, dislike_handle) VALUES (?, ?, ?)`,
		id, likeHandle, dislikeHandle); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "insert tallies")
	}
	for _, g := range grantees {
		if _, err := tx.ExecContext(queryCtx,
			`INSERT OR IGNORE INTO access_grants (whisper_id, grantee) VALUES (?, ?)`,
			id, g.String()); err != nil {
			s.recordError(err)
			return 0, errors.Wrap(err, "seed grant")
		}
	}
	bump := `UPDATE counters SET total = total + 1 WHERE id = 1`
	if w.Type == domain.WhisperPublic {
		bump = `UPDATE counters SET total = total + 1, public = public + 1 WHERE id = 1`
	}
	if _, err := tx.ExecContext(queryCtx, bump); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "bump counters")
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(err, "commit post")
	}
	s.recordError(nil)
	return uint64(id), nil
}

func (s *SQLite) Get(ctx context.Context, id uint64) (*domain.Whisper, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var (
		w         domain.Whisper
		author    string
		recipient string
		tag       string
	)
	err := s.db.QueryRowContext(queryCtx, `
	SELECT id, author, whisper_type, content_mode, plain_content, encrypted_handle, recipient, tag, created_at, is_anonymous, is_deleted
	FROM whispers WHERE id = ?`, id).Scan(
		&w.ID, &author, &w.Type, &w.ContentMode, &w.PlainContent, &w.EncryptedHandle,
		&recipient, &tag, &w.CreatedAt, &w.IsAnonymous, &w.IsDeleted,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrWhisperNotFound
	}
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "get whisper")
	}
	s.recordError(nil)
	w.Author = domain.Address(author)
	w.Recipient = domain.Address(recipient)
	w.Tag = domain.Tag(tag)
	return &w, nil
}

// MarkDeleted flips the tombstone flag. The engine checks existence and
// authorship first; the WHERE clause re-asserts both so a racing second
// delete still loses.
func (s *SQLite) MarkDeleted(ctx context.Context, id uint64, author domain.Address) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`UPDATE whispers SET is_deleted = 1 WHERE id = ? AND author = ? AND is_deleted = 0`,
		id, author.String())
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "mark deleted")
	}
	s.recordError(nil)
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return domain.ErrWhisperAlreadyDeleted
	}
	return nil
}

func (s *SQLite) queryIDs(ctx context.Context, query string, args ...interface{}) ([]uint64, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, query, args...)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "query ids")
	}
	defer rows.Close()
	ids := make([]uint64, 0, 16)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "iterate ids")
	}
	s.recordError(nil)
	return ids, nil
}

// PublicIDs, AuthorIDs and InboxIDs page the three visibility indices in
// insertion order. Tombstoned whispers stay listed; callers filter after
// dereferencing.
func (s *SQLite) PublicIDs(ctx context.Context, offset, limit uint64) ([]uint64, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM whispers WHERE whisper_type = ? ORDER BY id LIMIT ? OFFSET ?`,
		domain.WhisperPublic, limit, offset)
}

func (s *SQLite) AuthorIDs(ctx context.Context, author domain.Address, offset, limit uint64) ([]uint64, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM whispers WHERE author = ? ORDER BY id LIMIT ? OFFSET ?`,
		author.String(), limit, offset)
}

func (s *SQLite) InboxIDs(ctx context.Context, recipient domain.Address, offset, limit uint64) ([]uint64, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM whispers WHERE whisper_type = ? AND recipient = ? ORDER BY id LIMIT ? OFFSET ?`,
		domain.WhisperPrivate, recipient.String(), limit, offset)
}

// Counts returns the running totals maintained at post time, so the board
// never scans the whispers table to answer a count.
func (s *SQLite) Counts(ctx context.Context) (total, public uint64, err error) {
	if err := s.checkCircuit(); err != nil {
		return 0, 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err = s.db.QueryRowContext(queryCtx, `SELECT total, public FROM counters WHERE id = 1`).Scan(&total, &public)
	if err != nil {
		s.recordError(err)
		return 0, 0, errors.Wrap(err, "counts")
	}
	s.recordError(nil)
	return total, public, nil
}

func (s *SQLite) Vote(ctx context.Context, id uint64, voter domain.Address) (domain.VoteType, error) {
	if err := s.checkCircuit(); err != nil {
		return domain.VoteNone, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var state domain.VoteType
	err := s.db.QueryRowContext(queryCtx,
		`SELECT state FROM votes WHERE whisper_id = ? AND voter = ?`,
		id, voter.String()).Scan(&state)
	if err == sql.ErrNoRows {
		return domain.VoteNone, nil
	}
	if err != nil {
		s.recordError(err)
		return domain.VoteNone, errors.Wrap(err, "get vote")
	}
	s.recordError(nil)
	return state, nil
}

// ApplyVote writes the voter's new state and both replacement tally handles
// in one transaction, so the tally never reflects a half-applied transition.
func (s *SQLite) ApplyVote(ctx context.Context, id uint64, voter domain.Address, state domain.VoteType, likeHandle, dislikeHandle []byte) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin vote")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(queryCtx, `
	INSERT INTO votes (whisper_id, voter, state) VALUES (?, ?, ?)
	ON CONFLICT(whisper_id, voter) DO UPDATE SET state = excluded.state`,
		id, voter.String(), state); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "upsert vote")
	}
	if _, err := tx.ExecContext(queryCtx,
		`UPDATE tallies SET like_handle = ?, dislike_handle = ? WHERE whisper_id = ?`,
		likeHandle, dislikeHandle, id); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "update tallies")
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return errors.Wrap(err, "commit vote")
	}
	s.recordError(nil)
	return nil
}

func (s *SQLite) Tally(ctx context.Context, id uint64) (likeHandle, dislikeHandle []byte, err error) {
	if err := s.checkCircuit(); err != nil {
		return nil, nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err = s.db.QueryRowContext(queryCtx,
		`SELECT like_handle, dislike_handle FROM tallies WHERE whisper_id = ?`, id).
		Scan(&likeHandle, &dislikeHandle)
	if err == sql.ErrNoRows {
		return nil, nil, domain.ErrWhisperNotFound
	}
	if err != nil {
		s.recordError(err)
		return nil, nil, errors.Wrap(err, "get tally")
	}
	s.recordError(nil)
	return likeHandle, dislikeHandle, nil
}

// AddGrant is idempotent: granting twice leaves one row.
func (s *SQLite) AddGrant(ctx context.Context, id uint64, grantee domain.Address) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		`INSERT OR IGNORE INTO access_grants (whisper_id, grantee) VALUES (?, ?)`,
		id, grantee.String())
	s.recordError(err)
	return errors.Wrap(err, "add grant")
}

// RemoveGrant is a no-op when the grant does not exist.
func (s *SQLite) RemoveGrant(ctx context.Context, id uint64, grantee domain.Address) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		`DELETE FROM access_grants WHERE whisper_id = ? AND grantee = ?`,
		id, grantee.String())
	s.recordError(err)
	return errors.Wrap(err, "remove grant")
}

func (s *SQLite) HasGrant(ctx context.Context, id uint64, addr domain.Address) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(queryCtx,
		`SELECT 1 FROM access_grants WHERE whisper_id = ? AND grantee = ?`,
		id, addr.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(err, "has grant")
	}
	s.recordError(nil)
	return true, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
