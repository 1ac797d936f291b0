package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store persists registered users and settlement records in postgres.
type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

// rebindPostgresPlaceholders turns ? placeholders into $1..$n, leaving
// string literals untouched.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id    TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			session_id   TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			token_amount NUMERIC(30, 7) NOT NULL,
			gross_cents  BIGINT NOT NULL,
			recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS settlements_user_idx ON settlements (user_id, recorded_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type UserRecord struct {
	UserID    string    `json:"user_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertUser links a user id to a public identity. Re-registering the same
// user id refreshes the key.
func (s *Store) UpsertUser(ctx context.Context, userID, publicKey string) error {
	userID = strings.TrimSpace(userID)
	publicKey = strings.TrimSpace(publicKey)
	if userID == "" || publicKey == "" {
		return fmt.Errorf("user id and public key are required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, public_key) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET public_key = EXCLUDED.public_key`,
		userID, publicKey,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", userID, err)
	}
	return nil
}

// GetUser returns nil when the user id is not registered.
func (s *Store) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, public_key, created_at FROM users WHERE user_id = ?`,
		strings.TrimSpace(userID),
	)

	var record UserRecord
	if err := row.Scan(&record.UserID, &record.PublicKey, &record.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &record, nil
}

type SettlementRecord struct {
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	GrossCents  int64           `json:"gross_cents"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// InsertSettlement records a completed purchase exactly once per session id.
// A duplicate insert is a no-op; the stored record is returned either way,
// with inserted=false on the duplicate path.
func (s *Store) InsertSettlement(ctx context.Context, record SettlementRecord) (SettlementRecord, bool, error) {
	if strings.TrimSpace(record.SessionID) == "" {
		return SettlementRecord{}, false, fmt.Errorf("session id is required")
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO settlements (session_id, user_id, token_amount, gross_cents)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		record.SessionID, record.UserID, record.TokenAmount.String(), record.GrossCents,
	)
	if err != nil {
		return SettlementRecord{}, false, fmt.Errorf("insert settlement %s: %w", record.SessionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return SettlementRecord{}, false, fmt.Errorf("insert settlement %s: %w", record.SessionID, err)
	}

	stored, err := s.GetSettlement(ctx, record.SessionID)
	if err != nil {
		return SettlementRecord{}, false, err
	}
	if stored == nil {
		return SettlementRecord{}, false, fmt.Errorf("settlement %s missing after insert", record.SessionID)
	}
	return *stored, affected > 0, nil
}

// GetSettlement returns nil when no record exists for the session id.
func (s *Store) GetSettlement(ctx context.Context, sessionID string) (*SettlementRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, token_amount, gross_cents, recorded_at
		 FROM settlements WHERE session_id = ?`,
		strings.TrimSpace(sessionID),
	)

	record, err := scanSettlement(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get settlement %s: %w", sessionID, err)
	}
	return &record, nil
}

// ListSettlements returns a user's settlements, most recent first.
func (s *Store) ListSettlements(ctx context.Context, userID string, limit int) ([]SettlementRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, token_amount, gross_cents, recorded_at
		 FROM settlements WHERE user_id = ?
		 ORDER BY recorded_at DESC LIMIT ?`,
		strings.TrimSpace(userID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list settlements for %s: %w", userID, err)
	}
	defer rows.Close()

	out := make([]SettlementRecord, 0, limit)
	for rows.Next() {
		record, err := scanSettlement(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list settlements for %s: %w", userID, err)
	}
	return out, nil
}

func scanSettlement(scan func(dest ...any) error) (SettlementRecord, error) {
	var (
		record    SettlementRecord
		rawAmount string
	)
	if err := scan(&record.SessionID, &record.UserID, &rawAmount, &record.GrossCents, &record.RecordedAt); err != nil {
		return SettlementRecord{}, err
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return SettlementRecord{}, fmt.Errorf("parse token amount %q: %w", rawAmount, err)
	}
	record.TokenAmount = amount
	return record, nil
}
