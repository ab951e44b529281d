package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/hub/hubtest"
)

const bufSize = 1 << 20

// fakeHubServer answers the subset of HubService the client uses.
type fakeHubServer struct {
	mu       sync.Mutex
	casts    map[string]json.RawMessage
	links    []json.RawMessage
	events   []event.HubEvent
	requests []map[string]any
}

func (s *fakeHubServer) record(req map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
}

func unary(name string, fn func(s *fakeHubServer, req map[string]any) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := map[string]any{}
			if err := dec(&req); err != nil {
				return nil, err
			}
			s := srv.(*fakeHubServer)
			s.record(req)
			return fn(s, req)
		},
	}
}

func serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "HubService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary("GetCast", func(s *fakeHubServer, req map[string]any) (any, error) {
				raw, ok := s.casts[req["hash"].(string)]
				if !ok {
					return nil, status.Error(codes.NotFound, "cast not found")
				}
				return raw, nil
			}),
			unary("GetAllLinkMessagesByFid", func(s *fakeHubServer, req map[string]any) (any, error) {
				if req["pageToken"] == "p2" {
					return map[string]any{"messages": s.links[1:]}, nil
				}
				return map[string]any{"messages": s.links[:1], "nextPageToken": "p2"}, nil
			}),
			unary("GetFids", func(*fakeHubServer, map[string]any) (any, error) {
				return map[string]any{"fids": []uint64{4242}}, nil
			}),
			unary("GetAllCastMessagesByFid", func(*fakeHubServer, map[string]any) (any, error) {
				return nil, status.Error(codes.Unavailable, "hub is syncing")
			}),
		},
		Streams: []grpc.StreamDesc{{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				s := srv.(*fakeHubServer)
				req := map[string]any{}
				if err := stream.RecvMsg(&req); err != nil {
					return err
				}
				s.record(req)
				from, _ := req["fromId"].(float64)
				for _, ev := range s.events {
					if ev.ID <= uint64(from) {
						continue
					}
					if err := stream.SendMsg(ev); err != nil {
						return err
					}
				}
				return nil
			},
		}},
	}
}

func startHub(t *testing.T, fake *fakeHubServer, cfg hub.Config) *hub.GRPCClient {
	t.Helper()
	srv := grpc.NewServer()
	srv.RegisterService(serviceDesc(), fake)
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg.Address = "passthrough:///bufnet"
	cfg.DialOptions = append(cfg.DialOptions, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	client, err := hub.NewGRPCClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCClient_GetCastByKey(t *testing.T) {
	fake := &fakeHubServer{casts: map[string]json.RawMessage{
		"0xabc": hubtest.CastAdd(3, "0xABC", 100),
	}}
	client := startHub(t, fake, hub.Config{})
	ctx := context.Background()

	page, err := client.Fetch(ctx, hub.Query{Selector: model.Selector{Fid: 3, Type: model.MessageTypeCast}, Key: "0xABC"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "0xabc", page.Messages[0].Hash)
	assert.Equal(t, uint64(100), page.Messages[0].Timestamp)

	_, err = client.Fetch(ctx, hub.Query{Selector: model.Selector{Fid: 3, Type: model.MessageTypeCast}, Key: "0xdead"})
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestGRPCClient_FetchAllFollowsPages(t *testing.T) {
	fake := &fakeHubServer{links: []json.RawMessage{
		hubtest.LinkAdd(5, "0x01", 10, 6),
		[]byte(`{"data":{"type":"MESSAGE_TYPE_BOGUS","fid":5},"hash":"0x02"}`),
		hubtest.LinkAdd(5, "0x03", 11, 7),
	}}
	client := startHub(t, fake, hub.Config{})

	msgs, err := hub.FetchAll(context.Background(), client, hub.Query{
		Selector: model.Selector{Fid: 5, Type: model.MessageTypeLink},
		PageSize: 1,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2, "undecodable message is skipped")
	assert.Equal(t, model.Fid(6), msgs[0].TargetFid)
	assert.Equal(t, model.Fid(7), msgs[1].TargetFid)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.requests, 2)
	assert.Equal(t, float64(5), fake.requests[0]["fid"])
	assert.Equal(t, float64(1), fake.requests[0]["pageSize"])
	assert.Equal(t, "p2", fake.requests[1]["pageToken"])
}

func TestGRPCClient_ReverseIsSentOnRangeReads(t *testing.T) {
	fake := &fakeHubServer{links: []json.RawMessage{hubtest.LinkAdd(5, "0x01", 10, 6)}}
	client := startHub(t, fake, hub.Config{})
	ctx := context.Background()
	sel := model.Selector{Fid: 5, Type: model.MessageTypeLink}

	_, err := client.Fetch(ctx, hub.Query{Selector: sel, PageSize: 1, Reverse: true})
	require.NoError(t, err)
	_, err = client.Fetch(ctx, hub.Query{Selector: sel, PageSize: 1})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.requests, 2)
	assert.Equal(t, true, fake.requests[0]["reverse"])
	_, sent := fake.requests[1]["reverse"]
	assert.False(t, sent, "oldest-first reads omit the flag")
}

func TestGRPCClient_UnavailableIsNotNotFound(t *testing.T) {
	client := startHub(t, &fakeHubServer{}, hub.Config{})

	_, err := client.Fetch(context.Background(), hub.Query{Selector: model.Selector{Fid: 1, Type: model.MessageTypeCast}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, hub.ErrNotFound))
	assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
}

func TestGRPCClient_FetchRejectsUnscopedQuery(t *testing.T) {
	client := startHub(t, &fakeHubServer{}, hub.Config{})

	_, err := client.Fetch(context.Background(), hub.Query{Selector: model.Selector{Type: model.MessageTypeCast}})
	require.Error(t, err)
	_, err = client.Fetch(context.Background(), hub.Query{Selector: model.Selector{Fid: 1, Type: "bogus"}})
	require.Error(t, err)
}

func TestGRPCClient_MaxFid(t *testing.T) {
	client := startHub(t, &fakeHubServer{}, hub.Config{})

	fid, err := client.MaxFid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Fid(4242), fid)
}

func TestGRPCClient_SubscribeResumesFromCursor(t *testing.T) {
	fake := &fakeHubServer{events: []event.HubEvent{
		hubtest.MergeEvent(1, hubtest.CastAdd(1, "0x01", 1)),
		hubtest.MergeEvent(2, hubtest.CastAdd(1, "0x02", 2)),
		hubtest.MergeEvent(3, hubtest.CastAdd(1, "0x03", 3)),
	}}
	client := startHub(t, fake, hub.Config{RPS: 100, Burst: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Subscribe(ctx, 1)
	require.NoError(t, err)
	defer stream.Close()

	var ids []uint64
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, event.HubEventMergeMessage, ev.Type)
		assert.True(t, ev.Meta.SignerValid)
		assert.False(t, ev.ReceivedAt.IsZero())
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []uint64{2, 3}, ids)
}

func TestClassifyCallError(t *testing.T) {
	assert.Equal(t, "ok", hub.ClassifyCallError(nil))
	assert.Equal(t, "not_found", hub.ClassifyCallError(status.Error(codes.NotFound, "x")))
	assert.Equal(t, "unavailable", hub.ClassifyCallError(status.Error(codes.Unavailable, "x")))
	assert.Equal(t, "timeout", hub.ClassifyCallError(status.Error(codes.DeadlineExceeded, "x")))
	assert.Equal(t, "client_error", hub.ClassifyCallError(status.Error(codes.InvalidArgument, "x")))
}
