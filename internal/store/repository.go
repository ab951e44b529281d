package store

import (
	"context"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

// UpsertResult describes the outcome of a message upsert.
type UpsertResult struct {
	Applied  bool // The message is now the stored state of its key.
	Inserted bool // The key had no prior state.
}

// MessageRepository stores the latest message per (fid, type, key).
// Upsert is last-writer-wins by model.Supersedes and safe under concurrent
// writers: repeated or out-of-order deliveries converge to the same state.
type MessageRepository interface {
	Upsert(ctx context.Context, msg *model.Message) (UpsertResult, error)
	// Get returns nil, nil when the key has no stored message.
	Get(ctx context.Context, key model.MessageKey) (*model.Message, error)
	// Query returns up to limit matching messages, newest first.
	Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error)
}

// CursorStore persists named Hub event cursors.
type CursorStore interface {
	// Load returns false when no cursor was saved under name.
	Load(ctx context.Context, name string) (model.HubCursor, bool, error)
	Save(ctx context.Context, name string, cursor model.HubCursor) error
}
