// Package pebblestore keeps subscriber cursors in a local Pebble database, for
// producer deployments that run without Postgres.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/store"
)

const cursorKeyPrefix = "cursor/"

type CursorStore struct {
	db *pebble.DB
}

var _ store.CursorStore = (*CursorStore)(nil)

// Open creates or opens the database in dir.
func Open(dir string) (*CursorStore, error) {
	if dir == "" {
		return nil, errors.New("pebble: data dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &CursorStore{db: db}, nil
}

func (c *CursorStore) Close() error {
	return c.db.Close()
}

func (c *CursorStore) Load(_ context.Context, name string) (model.HubCursor, bool, error) {
	val, closer, err := c.db.Get([]byte(cursorKeyPrefix + name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", name, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("load cursor %s: corrupt value of %d bytes", name, len(val))
	}
	return model.HubCursor(binary.BigEndian.Uint64(val)), true, nil
}

func (c *CursorStore) Save(_ context.Context, name string, cursor model.HubCursor) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cursor))
	if err := c.db.Set([]byte(cursorKeyPrefix+name), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}
