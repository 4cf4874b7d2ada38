package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fireside/connect-client-go/internal/database"
	"github.com/fireside/connect-client-go/internal/model"
)

// PostgresStore keeps the record in a single-row table:
//
//	CREATE TABLE IF NOT EXISTS wallet_session (
//	    slot     SMALLINT PRIMARY KEY DEFAULT 1 CHECK (slot = 1),
//	    topic    TEXT NOT NULL,
//	    expiry   TIMESTAMPTZ NOT NULL,
//	    saved_at TIMESTAMPTZ NOT NULL
//	);
//
// The slot constraint enforces at-most-one record; upsert gives
// last-write-wins.
type PostgresStore struct {
	db database.DBTX
}

func NewPostgresStore(db database.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT topic, expiry, saved_at AS savedat FROM wallet_session WHERE slot = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *model.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_session (slot, topic, expiry, saved_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (slot) DO UPDATE
		SET topic = EXCLUDED.topic, expiry = EXCLUDED.expiry, saved_at = EXCLUDED.saved_at
	`, rec.Topic, rec.Expiry, rec.SavedAt)
	if err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wallet_session WHERE slot = 1`)
	if err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}
