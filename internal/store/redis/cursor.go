package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

// CursorStore keeps subscriber checkpoints as plain string keys.
type CursorStore struct {
	client *redis.Client
	prefix string
}

func NewCursorStore(client *redis.Client, namespace string) *CursorStore {
	prefix := "cursor:"
	if namespace != "" {
		prefix = namespace + ":" + prefix
	}
	return &CursorStore{client: client, prefix: prefix}
}

func (c *CursorStore) Load(ctx context.Context, name string) (model.HubCursor, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", name, err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cursor %s: %w", name, err)
	}
	return model.HubCursor(v), true, nil
}

func (c *CursorStore) Save(ctx context.Context, name string, cursor model.HubCursor) error {
	if err := c.client.Set(ctx, c.prefix+name, strconv.FormatUint(uint64(cursor), 10), 0).Err(); err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}
