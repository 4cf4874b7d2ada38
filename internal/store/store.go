// Package store persists the single wallet session record. The record is a
// cache of relay-side truth under one storage slot: last write wins, and any
// uncertainty is resolved by clearing it rather than risking a dead session.
package store

import (
	"context"

	"github.com/fireside/connect-client-go/internal/model"
)

// SessionStore holds at most one session record. Load returns (nil, nil)
// when no record exists; Clear is idempotent.
type SessionStore interface {
	Load(ctx context.Context) (*model.SessionRecord, error)
	Save(ctx context.Context, rec *model.SessionRecord) error
	Clear(ctx context.Context) error
}
