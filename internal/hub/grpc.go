package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/metrics"
)

const servicePrefix = "/HubService/"

var allByFidMethods = map[model.MessageType]string{
	model.MessageTypeCast:          "GetAllCastMessagesByFid",
	model.MessageTypeReaction:      "GetAllReactionMessagesByFid",
	model.MessageTypeLink:          "GetAllLinkMessagesByFid",
	model.MessageTypeVerification:  "GetAllVerificationMessagesByFid",
	model.MessageTypeUserData:      "GetAllUserDataMessagesByFid",
	model.MessageTypeUsernameProof: "GetAllUsernameProofMessagesByFid",
}

type Config struct {
	Address     string
	TLS         bool
	RPS         float64
	Burst       int
	CallTimeout time.Duration
	// DialOptions are appended after the transport options.
	DialOptions []grpc.DialOption
}

// GRPCClient implements Client over the Hub's gRPC service using the JSON
// content-subtype (see codecName). Callers depend on Client only, so a
// protobuf-backed implementation can replace it in cmd/indexer's hubClient.
type GRPCClient struct {
	conn        *grpc.ClientConn
	limiter     *limiter
	callTimeout time.Duration
	logger      *slog.Logger
}

var _ Client = (*GRPCClient)(nil)

func NewGRPCClient(cfg Config, logger *slog.Logger) (*GRPCClient, error) {
	if cfg.Address == "" {
		return nil, errors.New("hub: address is required")
	}
	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", cfg.Address, err)
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &GRPCClient{
		conn:        conn,
		limiter:     newLimiter(cfg.RPS, cfg.Burst),
		callTimeout: callTimeout,
		logger:      logger.With("component", "hub_client"),
	}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// Wire forms of the Hub requests and responses.
type (
	castID struct {
		Fid  uint64 `json:"fid"`
		Hash string `json:"hash"`
	}

	fidRequest struct {
		Fid            uint64 `json:"fid"`
		PageSize       uint32 `json:"pageSize,omitempty"`
		PageToken      string `json:"pageToken,omitempty"`
		StartTimestamp uint64 `json:"startTimestamp,omitempty"`
		StopTimestamp  uint64 `json:"stopTimestamp,omitempty"`
		Reverse        bool   `json:"reverse,omitempty"`
	}

	parentRequest struct {
		ParentCastID *castID `json:"parentCastId,omitempty"`
		ParentURL    string  `json:"parentUrl,omitempty"`
		PageSize     uint32  `json:"pageSize,omitempty"`
		PageToken    string  `json:"pageToken,omitempty"`
		Reverse      bool    `json:"reverse,omitempty"`
	}

	targetRequest struct {
		TargetCastID *castID `json:"targetCastId,omitempty"`
		TargetURL    string  `json:"targetUrl,omitempty"`
		TargetFid    uint64  `json:"targetFid,omitempty"`
		PageSize     uint32  `json:"pageSize,omitempty"`
		PageToken    string  `json:"pageToken,omitempty"`
		Reverse      bool    `json:"reverse,omitempty"`
	}

	fidsRequest struct {
		PageSize uint32 `json:"pageSize,omitempty"`
		Reverse  bool   `json:"reverse,omitempty"`
	}

	subscribeRequest struct {
		EventTypes []string `json:"eventTypes,omitempty"`
		FromID     uint64   `json:"fromId,omitempty"`
	}

	messagesResponse struct {
		Messages      []json.RawMessage `json:"messages"`
		NextPageToken string            `json:"nextPageToken,omitempty"`
	}

	fidsResponse struct {
		Fids []uint64 `json:"fids"`
	}
)

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	err := c.conn.Invoke(ctx, servicePrefix+method, req, resp)
	metrics.HubCallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	metrics.HubCallsTotal.WithLabelValues(method, ClassifyCallError(err)).Inc()
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s: %w", method, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("hub %s: %w", method, err)
	}
	return nil
}

func (c *GRPCClient) Subscribe(ctx context.Context, from model.HubCursor) (EventStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	cs, err := c.conn.NewStream(ctx, desc, servicePrefix+"Subscribe")
	if err != nil {
		cancel()
		metrics.HubCallsTotal.WithLabelValues("Subscribe", ClassifyCallError(err)).Inc()
		return nil, fmt.Errorf("hub subscribe: %w", err)
	}
	req := subscribeRequest{
		EventTypes: []string{
			string(event.HubEventMergeMessage),
			string(event.HubEventPruneMessage),
			string(event.HubEventRevokeMessage),
			string(event.HubEventMergeUsernameProof),
			string(event.HubEventMergeOnChainEvent),
		},
		FromID: uint64(from),
	}
	if err := cs.SendMsg(&req); err != nil {
		cancel()
		return nil, fmt.Errorf("hub subscribe request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("hub subscribe close send: %w", err)
	}
	metrics.HubCallsTotal.WithLabelValues("Subscribe", "ok").Inc()
	return &grpcEventStream{cs: cs, cancel: cancel}, nil
}

type grpcEventStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcEventStream) Recv() (event.HubEvent, error) {
	var ev event.HubEvent
	if err := s.cs.RecvMsg(&ev); err != nil {
		return event.HubEvent{}, err
	}
	ev.ReceivedAt = time.Now()
	return ev, nil
}

// Close ends the stream; cancelling the context passed to Subscribe does the same.
func (s *grpcEventStream) Close() error {
	s.cancel()
	return nil
}

func (c *GRPCClient) MaxFid(ctx context.Context) (model.Fid, error) {
	var resp fidsResponse
	if err := c.invoke(ctx, "GetFids", &fidsRequest{PageSize: 1, Reverse: true}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Fids) == 0 {
		return 0, nil
	}
	return model.Fid(resp.Fids[0]), nil
}

func (c *GRPCClient) Fetch(ctx context.Context, q Query) (Page, error) {
	sel := q.Selector
	if !sel.Type.Valid() {
		return Page{}, fmt.Errorf("hub fetch: unsupported message type %q", sel.Type)
	}
	pageSize := clampPageSize(q.PageSize)

	if q.Key != "" {
		return c.fetchByKey(ctx, q)
	}

	var (
		method string
		req    any
	)
	switch {
	case sel.Type == model.MessageTypeCast && (sel.ParentHash != "" || sel.ParentURL != ""):
		r := &parentRequest{ParentURL: sel.ParentURL, PageSize: pageSize, PageToken: q.PageToken, Reverse: q.Reverse}
		if sel.ParentHash != "" {
			r.ParentCastID = &castID{Fid: uint64(sel.ParentFid), Hash: sel.ParentHash}
		}
		method, req = "GetCastsByParent", r
	case sel.Type == model.MessageTypeReaction && (sel.TargetHash != "" || sel.TargetURL != ""):
		r := &targetRequest{TargetURL: sel.TargetURL, PageSize: pageSize, PageToken: q.PageToken, Reverse: q.Reverse}
		if sel.TargetHash != "" {
			r.TargetCastID = &castID{Fid: uint64(sel.TargetFid), Hash: sel.TargetHash}
		}
		method, req = "GetReactionsByTarget", r
	case sel.Type == model.MessageTypeLink && sel.TargetFid != 0 && sel.Fid == 0:
		method, req = "GetLinksByTarget", &targetRequest{TargetFid: uint64(sel.TargetFid), PageSize: pageSize, PageToken: q.PageToken, Reverse: q.Reverse}
	case sel.Fid != 0:
		method = allByFidMethods[sel.Type]
		req = &fidRequest{
			Fid:            uint64(sel.Fid),
			PageSize:       pageSize,
			PageToken:      q.PageToken,
			StartTimestamp: sel.StartTime,
			StopTimestamp:  sel.EndTime,
			Reverse:        q.Reverse,
		}
	default:
		return Page{}, fmt.Errorf("hub fetch: %s query needs a fid, parent or target", sel.Type)
	}

	var resp messagesResponse
	if err := c.invoke(ctx, method, req, &resp); err != nil {
		return Page{}, err
	}
	return Page{Messages: c.decodeMatching(resp.Messages, sel), NextPageToken: resp.NextPageToken}, nil
}

// fetchByKey serves a point lookup. Casts have a direct RPC; other types are
// scanned from the FID's full set.
func (c *GRPCClient) fetchByKey(ctx context.Context, q Query) (Page, error) {
	sel := q.Selector
	if sel.Fid == 0 {
		return Page{}, errors.New("hub fetch: key lookup needs a fid")
	}
	if sel.Type == model.MessageTypeCast {
		var raw json.RawMessage
		if err := c.invoke(ctx, "GetCast", &castID{Fid: uint64(sel.Fid), Hash: strings.ToLower(q.Key)}, &raw); err != nil {
			return Page{}, err
		}
		msg, err := model.DecodeHubMessage(raw)
		if err != nil {
			return Page{}, fmt.Errorf("hub GetCast: %w", err)
		}
		return Page{Messages: []*model.Message{msg}}, nil
	}

	token := ""
	for {
		var resp messagesResponse
		req := &fidRequest{Fid: uint64(sel.Fid), PageSize: MaxPageSize, PageToken: token}
		if err := c.invoke(ctx, allByFidMethods[sel.Type], req, &resp); err != nil {
			return Page{}, err
		}
		for _, m := range c.decodeMatching(resp.Messages, model.Selector{Fid: sel.Fid, Type: sel.Type, IncludeRemoved: sel.IncludeRemoved}) {
			if m.Key == q.Key {
				return Page{Messages: []*model.Message{m}}, nil
			}
		}
		if resp.NextPageToken == "" || resp.NextPageToken == token {
			return Page{}, fmt.Errorf("%s key %q: %w", sel.Type, q.Key, ErrNotFound)
		}
		token = resp.NextPageToken
	}
}

// decodeMatching decodes raw Hub messages and keeps those sel accepts.
// Undecodable messages are skipped; one bad message must not hide a page.
func (c *GRPCClient) decodeMatching(raw []json.RawMessage, sel model.Selector) []*model.Message {
	out := make([]*model.Message, 0, len(raw))
	for _, r := range raw {
		msg, err := model.DecodeHubMessage(r)
		if err != nil {
			c.logger.Warn("skipping undecodable hub message", "error", err)
			continue
		}
		if sel.Matches(msg) {
			out = append(out, msg)
		}
	}
	return out
}

func clampPageSize(n int) uint32 {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return uint32(n)
}

// ClassifyCallError maps a Hub call error to a metrics status label.
func ClassifyCallError(err error) string {
	if err == nil {
		return "ok"
	}
	switch status.Code(err) {
	case codes.NotFound:
		return "not_found"
	case codes.DeadlineExceeded:
		return "timeout"
	case codes.ResourceExhausted:
		return "rate_limited"
	case codes.Unavailable:
		return "unavailable"
	case codes.Internal, codes.Unknown:
		return "server_error"
	case codes.Canceled:
		return "canceled"
	}
	return "client_error"
}
