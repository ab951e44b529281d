// Package hub talks to a Farcaster Hub: the live event subscription and the
// per-FID message reads used by backfill and the data context.
package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks

// ErrNotFound is returned when the Hub has no message for a point lookup.
var ErrNotFound = errors.New("hub: not found")

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// EventStream is an open Hub subscription. Recv blocks until the next event
// and returns an error once the stream breaks; the stream is then unusable.
type EventStream interface {
	Recv() (event.HubEvent, error)
	Close() error
}

// Query is a Hub read. Key selects one message of Selector.Type for
// Selector.Fid; otherwise the Selector is a range read served page by page,
// oldest first unless Reverse is set.
type Query struct {
	Selector  model.Selector
	Key       string
	PageSize  int
	PageToken string
	Reverse   bool
}

// Page is one page of results. An empty NextPageToken ends the range.
type Page struct {
	Messages      []*model.Message
	NextPageToken string
}

type Client interface {
	// Subscribe opens the event stream positioned after cursor (0 = from the Hub's oldest retained event).
	Subscribe(ctx context.Context, from model.HubCursor) (EventStream, error)
	Fetch(ctx context.Context, q Query) (Page, error)
	// MaxFid returns the highest registered FID.
	MaxFid(ctx context.Context) (model.Fid, error)
	Close() error
}

// FetchAll follows page tokens until the range is exhausted.
func FetchAll(ctx context.Context, c Client, q Query) ([]*model.Message, error) {
	var out []*model.Message
	seen := make(map[string]struct{})
	for {
		page, err := c.Fetch(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Messages...)
		if page.NextPageToken == "" {
			return out, nil
		}
		if _, dup := seen[page.NextPageToken]; dup {
			return nil, fmt.Errorf("hub: page token %q repeated", page.NextPageToken)
		}
		seen[page.NextPageToken] = struct{}{}
		q.PageToken = page.NextPageToken
	}
}
