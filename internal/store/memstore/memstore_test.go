package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

func TestStore_UpsertOrderIndependent(t *testing.T) {
	add := &model.Message{Fid: 1, Type: model.MessageTypeCast, Action: model.ActionAdd, Key: "0xaa", Hash: "0xaa", Timestamp: 10}
	remove := &model.Message{Fid: 1, Type: model.MessageTypeCast, Action: model.ActionRemove, Key: "0xaa", Hash: "0xbb", Timestamp: 11}
	key := add.MessageKey()
	ctx := context.Background()

	forward := New()
	res, err := forward.Upsert(ctx, add)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	_, err = forward.Upsert(ctx, remove)
	require.NoError(t, err)

	backward := New()
	_, err = backward.Upsert(ctx, remove)
	require.NoError(t, err)
	res, err = backward.Upsert(ctx, add)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	a, err := forward.Get(ctx, key)
	require.NoError(t, err)
	b, err := backward.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, a.Removed())
}

func TestStore_QueryNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, h := range []string{"0x01", "0x02", "0x03"} {
		_, err := s.Upsert(ctx, &model.Message{Fid: 2, Type: model.MessageTypeCast, Action: model.ActionAdd, Key: h, Hash: h, Timestamp: uint64(i)})
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, model.Selector{Fid: 2}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0x03", got[0].Hash)
	assert.Equal(t, "0x02", got[1].Hash)
}

func TestStore_Cursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, ok, err := s.Load(ctx, "sub")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Save(ctx, "sub", 9))
	c, ok, _ := s.Load(ctx, "sub")
	assert.True(t, ok)
	assert.Equal(t, model.HubCursor(9), c)
}
