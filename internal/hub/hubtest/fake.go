package hubtest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub"
)

// Client is an in-memory hub.Client. Range reads are served in insertion
// order, or newest first for a Reverse query; events are replayed by
// Subscribe from the requested cursor.
type Client struct {
	mu       sync.Mutex
	messages []*model.Message
	events   []event.HubEvent
	maxFid   model.Fid

	// FetchErr, when set, is returned by Fetch and MaxFid.
	FetchErr error
	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error
	// BreakAfter ends each stream with io.ErrUnexpectedEOF after that many
	// events (0 = stream stays open until ctx is done).
	BreakAfter int

	fetches    int
	subscribes int
}

var _ hub.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{}
}

// AddMessages decodes and stores raw messages.
func (c *Client) AddMessages(raw ...json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range raw {
		m := MustDecode(r)
		c.messages = append(c.messages, m)
		if m.Fid > c.maxFid {
			c.maxFid = m.Fid
		}
	}
}

// AddEvents appends events to the replayable log.
func (c *Client) AddEvents(evs ...event.HubEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evs...)
}

func (c *Client) SetMaxFid(fid model.Fid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxFid = fid
}

func (c *Client) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func (c *Client) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *Client) Close() error { return nil }

func (c *Client) MaxFid(context.Context) (model.Fid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FetchErr != nil {
		return 0, c.FetchErr
	}
	return c.maxFid, nil
}

func (c *Client) Fetch(ctx context.Context, q hub.Query) (hub.Page, error) {
	if err := ctx.Err(); err != nil {
		return hub.Page{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if c.FetchErr != nil {
		return hub.Page{}, c.FetchErr
	}

	var matched []*model.Message
	for _, m := range c.messages {
		if q.Key != "" && m.Key != q.Key {
			continue
		}
		if q.Selector.Matches(m) {
			cp := *m
			matched = append(matched, &cp)
		}
	}
	if q.Key != "" {
		if len(matched) == 0 {
			return hub.Page{}, hub.ErrNotFound
		}
		return hub.Page{Messages: matched[len(matched)-1:]}, nil
	}
	if q.Reverse {
		sort.SliceStable(matched, func(i, j int) bool {
			if matched[i].Timestamp != matched[j].Timestamp {
				return matched[i].Timestamp > matched[j].Timestamp
			}
			return matched[i].Hash > matched[j].Hash
		})
	}

	start := 0
	if q.PageToken != "" {
		n, err := strconv.Atoi(q.PageToken)
		if err != nil {
			return hub.Page{}, errors.New("hubtest: bad page token")
		}
		start = n
	}
	size := q.PageSize
	if size <= 0 {
		size = hub.DefaultPageSize
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + size
	page := hub.Page{}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	page.Messages = matched[start:end]
	return page, nil
}

func (c *Client) Subscribe(ctx context.Context, from model.HubCursor) (hub.EventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	evs := make([]event.HubEvent, 0, len(c.events))
	for _, ev := range c.events {
		if ev.ID > uint64(from) {
			evs = append(evs, ev)
		}
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })
	ctx, cancel := context.WithCancel(ctx)
	return &stream{ctx: ctx, cancel: cancel, events: evs, breakAfter: c.BreakAfter}, nil
}

type stream struct {
	ctx        context.Context
	cancel     context.CancelFunc
	events     []event.HubEvent
	sent       int
	breakAfter int
}

func (s *stream) Recv() (event.HubEvent, error) {
	if s.breakAfter > 0 && s.sent >= s.breakAfter {
		return event.HubEvent{}, io.ErrUnexpectedEOF
	}
	if len(s.events) == 0 {
		<-s.ctx.Done()
		return event.HubEvent{}, s.ctx.Err()
	}
	if err := s.ctx.Err(); err != nil {
		return event.HubEvent{}, err
	}
	ev := s.events[0]
	s.events = s.events[1:]
	s.sent++
	return ev, nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

// MergeEvent wraps raw in a merge event that passes the default spam checks.
func MergeEvent(id uint64, raw json.RawMessage) event.HubEvent {
	return event.HubEvent{
		ID:      id,
		Type:    event.HubEventMergeMessage,
		Message: raw,
		Meta:    event.SpamMeta{SignerValid: true},
	}
}
