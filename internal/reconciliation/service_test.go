package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/hub/hubtest"
	hubmocks "github.com/emperorhan/hub-indexer/internal/hub/mocks"
	"github.com/emperorhan/hub-indexer/internal/store/memstore"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReconcile_CopiesEveryTypeIncludingRemoves(t *testing.T) {
	client := hubtest.NewClient()
	client.AddMessages(hubtest.AllTypes(7, 100)...)
	client.AddMessages(hubtest.CastRemove(7, "0xdead", 200, "0xbeef"))
	client.AddMessages(hubtest.AllTypes(8, 100)...)
	repo := memstore.New()

	svc := NewService(client, repo, 2, newTestLogger())
	res, err := svc.Reconcile(context.Background(), 7, nil)
	require.NoError(t, err)

	assert.Equal(t, model.Fid(7), res.Fid)
	require.Len(t, res.Types, len(model.AllMessageTypes()))
	assert.Equal(t, len(hubtest.AllTypes(7, 100))+1, res.Fetched)
	assert.Equal(t, res.Fetched, res.Applied)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	removed, err := repo.Get(context.Background(), model.MessageKey{Fid: 7, Type: model.MessageTypeCast, Key: "0xbeef"})
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.True(t, removed.Removed())

	all, err := repo.Query(context.Background(), model.Selector{Fid: 8, IncludeRemoved: true}, 100)
	require.NoError(t, err)
	assert.Empty(t, all, "other fids are untouched")
}

func TestReconcile_SecondRunIsStale(t *testing.T) {
	client := hubtest.NewClient()
	client.AddMessages(hubtest.AllTypes(3, 50)...)
	repo := memstore.New()
	svc := NewService(client, repo, 0, newTestLogger())

	_, err := svc.Reconcile(context.Background(), 3, nil)
	require.NoError(t, err)
	n := repo.Len()

	res, err := svc.Reconcile(context.Background(), 3, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	for _, tr := range res.Types {
		assert.Equal(t, tr.Fetched, tr.Stale, tr.Type.String())
	}
	assert.Equal(t, n, repo.Len())
}

func TestReconcile_TypeFilter(t *testing.T) {
	client := hubtest.NewClient()
	client.AddMessages(hubtest.AllTypes(5, 10)...)
	repo := memstore.New()

	res, err := NewService(client, repo, 0, newTestLogger()).
		Reconcile(context.Background(), 5, []model.MessageType{model.MessageTypeLink})
	require.NoError(t, err)
	require.Len(t, res.Types, 1)
	assert.Equal(t, model.MessageTypeLink, res.Types[0].Type)
	assert.Equal(t, 1, repo.Len())
}

func TestReconcile_HubErrorAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := hubmocks.NewMockClient(ctrl)
	boom := errors.New("hub unavailable")
	client.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(hub.Page{}, boom)

	_, err := NewService(client, memstore.New(), 0, newTestLogger()).
		Reconcile(context.Background(), 9, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fid 9")
}
