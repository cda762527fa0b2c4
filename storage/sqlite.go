package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/imjasonh/pwapush"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{version: 1, sql: `
		CREATE TABLE subscriptions (
			id TEXT PRIMARY KEY,
			member_id TEXT,
			endpoint TEXT NOT NULL UNIQUE,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			content_encoding TEXT NOT NULL DEFAULT 'aes128gcm',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX idx_subscriptions_member_id ON subscriptions(member_id);
		CREATE TABLE schema_version (version INTEGER NOT NULL);
		INSERT INTO schema_version (version) VALUES (1);
	`},
}

// SQLite implements storage using SQLite.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (or creates) a SQLite database and applies any
// pending schema migrations.
// dsn is the data source name, e.g., "pwapush.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

type subscriptionRow struct {
	ID              string         `db:"id"`
	MemberID        sql.NullString `db:"member_id"`
	Endpoint        string         `db:"endpoint"`
	P256dh          string         `db:"p256dh"`
	Auth            string         `db:"auth"`
	ContentEncoding string         `db:"content_encoding"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r subscriptionRow) record() *Record {
	return &Record{
		ID:              r.ID,
		MemberID:        r.MemberID.String,
		ContentEncoding: r.ContentEncoding,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Subscription: &pwapush.Subscription{
			Endpoint: r.Endpoint,
			Keys: pwapush.Keys{
				P256dh: r.P256dh,
				Auth:   r.Auth,
			},
		},
	}
}

func records(rows []subscriptionRow) []*Record {
	out := make([]*Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}

const selectColumns = `SELECT id, member_id, endpoint, p256dh, auth, content_encoding, created_at, updated_at FROM subscriptions`

// Save stores or updates a subscription. A different record with the
// same endpoint is replaced.
func (s *SQLite) Save(ctx context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	encoding := record.ContentEncoding
	if encoding == "" {
		encoding = "aes128gcm"
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE endpoint = ? AND id != ?",
		record.Subscription.Endpoint, record.ID,
	); err != nil {
		return fmt.Errorf("replacing endpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, member_id, endpoint, p256dh, auth, content_encoding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			member_id = excluded.member_id,
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			content_encoding = excluded.content_encoding,
			updated_at = excluded.updated_at
	`,
		record.ID,
		sql.NullString{String: record.MemberID, Valid: record.MemberID != ""},
		record.Subscription.Endpoint,
		record.Subscription.Keys.P256dh,
		record.Subscription.Keys.Auth,
		encoding,
		record.CreatedAt.UTC(),
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) getOne(ctx context.Context, where string, arg any) (*Record, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, selectColumns+" WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return row.record(), nil
}

// Get retrieves a subscription by ID.
func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	return s.getOne(ctx, "id = ?", id)
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (s *SQLite) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	return s.getOne(ctx, "endpoint = ?", endpoint)
}

// GetByMemberIDs retrieves all subscriptions for the given members.
func (s *SQLite) GetByMemberIDs(ctx context.Context, memberIDs ...string) ([]*Record, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(selectColumns+" WHERE member_id IN (?) ORDER BY created_at, id", memberIDs)
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return records(rows), nil
}

func (s *SQLite) deleteWhere(ctx context.Context, where string, arg any) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE "+where, arg)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a subscription by ID.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	return s.deleteWhere(ctx, "id = ?", id)
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (s *SQLite) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return s.deleteWhere(ctx, "endpoint = ?", endpoint)
}

// List returns all subscriptions with pagination.
func (s *SQLite) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows, selectColumns+" ORDER BY created_at, id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return records(rows), nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
