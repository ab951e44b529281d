package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/store"
)

type CursorRepo struct {
	db *DB
}

var _ store.CursorStore = (*CursorRepo)(nil)

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Load(ctx context.Context, name string) (model.HubCursor, bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT event_id FROM hub_cursors WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return model.HubCursor(id), true, nil
}

func (r *CursorRepo) Save(ctx context.Context, name string, cursor model.HubCursor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hub_cursors (name, event_id)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			updated_at = now()
	`, name, int64(cursor))
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}
