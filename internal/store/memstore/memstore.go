// Package memstore is an in-memory MessageRepository and CursorStore used by
// tests and by the single-process memory mode.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	messages map[model.MessageKey]*model.Message
	cursors  map[string]model.HubCursor
}

var (
	_ store.MessageRepository = (*Store)(nil)
	_ store.CursorStore       = (*Store)(nil)
)

func New() *Store {
	return &Store{
		messages: make(map[model.MessageKey]*model.Message),
		cursors:  make(map[string]model.HubCursor),
	}
}

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	c.Mentions = append([]model.Fid(nil), m.Mentions...)
	c.Body = append([]byte(nil), m.Body...)
	return &c
}

func (s *Store) Upsert(_ context.Context, msg *model.Message) (store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := msg.MessageKey()
	existing := s.messages[key]
	if !model.Supersedes(msg, existing) {
		return store.UpsertResult{}, nil
	}
	s.messages[key] = cloneMessage(msg)
	return store.UpsertResult{Applied: true, Inserted: existing == nil}, nil
}

func (s *Store) Get(_ context.Context, key model.MessageKey) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[key]
	if !ok {
		return nil, nil
	}
	return cloneMessage(m), nil
}

func (s *Store) Query(_ context.Context, sel model.Selector, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	var out []*model.Message
	for _, m := range s.messages {
		if sel.Matches(m) {
			out = append(out, cloneMessage(m))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Hash > out[j].Hash
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) Load(_ context.Context, name string) (model.HubCursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[name]
	return c, ok, nil
}

func (s *Store) Save(_ context.Context, name string, cursor model.HubCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = cursor
	return nil
}
