package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver ("sqlite3")
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver ("sqlite")

	"github.com/mikeyg42/tileabr/internal/qrea"
)

// DBConfig selects the metadata database.
type DBConfig struct {
	Driver          string        `koanf:"driver" json:"driver"` // postgres, sqlite, sqlite3 or none
	DSN             string        `koanf:"dsn" json:"-"`
	MaxOpenConns    int           `koanf:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"connMaxLifetime"`
	ConnectRetries  int           `koanf:"connect_retries" json:"connectRetries"`
}

// Session is one viewing session. Times are unix milliseconds so the same
// rows work on every driver.
type Session struct {
	ID        string        `db:"id" json:"id"`
	Mode      string        `db:"mode" json:"mode"`
	Policy    string        `db:"policy" json:"policy"`
	TileCount int           `db:"tile_count" json:"tileCount"`
	StartedAt int64         `db:"started_at" json:"startedAt"`
	EndedAt   sql.NullInt64 `db:"ended_at" json:"-"`
}

// Started returns StartedAt as a time.
func (s Session) Started() time.Time { return time.UnixMilli(s.StartedAt) }

// SampleRecord is a QREA sample tied to its session.
type SampleRecord struct {
	SessionID string `db:"session_id" json:"sessionId"`
	qrea.Sample
}

// SwitchRecord is one applied quality switch.
type SwitchRecord struct {
	SessionID  string  `db:"session_id" json:"sessionId"`
	Seq        int     `db:"seq" json:"seq"`
	Tile       int     `db:"tile" json:"tile"`
	FromLevel  int     `db:"from_level" json:"fromLevel"`
	ToLevel    int     `db:"to_level" json:"toLevel"`
	Quality    string  `db:"quality" json:"quality"`
	At         int64   `db:"at_ms" json:"at"`
	GlobalTime float64 `db:"global_time" json:"globalTime"`
}

// MetadataStore keeps sessions, QREA samples and switch events in SQL.
type MetadataStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenMetadataStore connects with retries and creates the schema.
func OpenMetadataStore(ctx context.Context, cfg DBConfig, logger *zap.Logger) (*MetadataStore, error) {
	switch cfg.Driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Driver != "postgres" {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		cfg.MaxOpenConns = 1
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	var bo backoff.BackOff = backoff.NewExponentialBackOff()
	if cfg.ConnectRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(cfg.ConnectRetries))
	} else {
		bo = backoff.WithMaxRetries(bo, 0)
	}
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	}
	if err := backoff.Retry(ping, backoff.WithContext(bo, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewMetadataStore(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewMetadataStore wraps an open database and initializes the schema.
func NewMetadataStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*MetadataStore, error) {
	if logger == nil {
		logger = zap.L()
	}
	s := &MetadataStore{db: db, logger: logger.Named("metadata-store")}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *MetadataStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			mode VARCHAR(20) NOT NULL,
			policy VARCHAR(20) NOT NULL,
			tile_count INTEGER NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS qrea_samples (
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sample_index INTEGER NOT NULL,
			time_s DOUBLE PRECISION NOT NULL,
			qmatch DOUBLE PRECISION NOT NULL,
			rlatency DOUBLE PRECISION NOT NULL,
			buse DOUBLE PRECISION NOT NULL,
			qstability DOUBLE PRECISION NOT NULL,
			qrea DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (session_id, sample_index)
		)`,
		`CREATE TABLE IF NOT EXISTS switch_events (
			session_id VARCHAR(64) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			tile INTEGER NOT NULL,
			from_level INTEGER NOT NULL,
			to_level INTEGER NOT NULL,
			quality VARCHAR(10) NOT NULL,
			at_ms BIGINT NOT NULL,
			global_time DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *MetadataStore) DB() *sqlx.DB { return s.db }

// Close closes the database.
func (s *MetadataStore) Close() error { return s.db.Close() }

// HealthCheck pings the database.
func (s *MetadataStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSession inserts a new session row.
func (s *MetadataStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, mode, policy, tile_count, started_at, ended_at)
		VALUES (:id, :mode, :policy, :tile_count, :started_at, :ended_at)`, sess)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// EndSession stamps the session end time.
func (s *MetadataStore) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE sessions SET ended_at = ? WHERE id = ?`), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession loads one session.
func (s *MetadataStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns the most recent sessions first.
func (s *MetadataStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Session
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT * FROM sessions ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// SaveSample appends a QREA sample.
func (s *MetadataStore) SaveSample(ctx context.Context, rec *SampleRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO qrea_samples (session_id, sample_index, time_s, qmatch, rlatency, buse, qstability, qrea)
		VALUES (:session_id, :sample_index, :time_s, :qmatch, :rlatency, :buse, :qstability, :qrea)`, rec)
	if err != nil {
		return fmt.Errorf("save sample %s/%d: %w", rec.SessionID, rec.Index, err)
	}
	return nil
}

// GetSamples returns a session's samples in index order.
func (s *MetadataStore) GetSamples(ctx context.Context, sessionID string) ([]qrea.Sample, error) {
	var rows []SampleRecord
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT session_id, sample_index, time_s, qmatch, rlatency, buse, qstability, qrea
		FROM qrea_samples WHERE session_id = ? ORDER BY sample_index`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("get samples %s: %w", sessionID, err)
	}
	out := make([]qrea.Sample, len(rows))
	for i, r := range rows {
		out[i] = r.Sample
	}
	return out, nil
}

// SaveSwitch appends a switch event.
func (s *MetadataStore) SaveSwitch(ctx context.Context, rec *SwitchRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO switch_events (session_id, seq, tile, from_level, to_level, quality, at_ms, global_time)
		VALUES (:session_id, :seq, :tile, :from_level, :to_level, :quality, :at_ms, :global_time)`, rec)
	if err != nil {
		return fmt.Errorf("save switch %s/%d: %w", rec.SessionID, rec.Seq, err)
	}
	return nil
}

// GetSwitches returns a session's switch events in order.
func (s *MetadataStore) GetSwitches(ctx context.Context, sessionID string) ([]SwitchRecord, error) {
	var out []SwitchRecord
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM switch_events WHERE session_id = ? ORDER BY seq`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("get switches %s: %w", sessionID, err)
	}
	return out, nil
}

// DeleteSession removes a session and its rows.
func (s *MetadataStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM qrea_samples WHERE session_id = ?`,
		`DELETE FROM switch_events WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}
