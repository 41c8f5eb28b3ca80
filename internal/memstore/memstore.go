// internal/memstore/memstore.go

// Package memstore is an in-memory swap.Store. Transactions run one at a time
// against a private copy of the state that replaces the shared state only
// when the transaction function succeeds.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"bookswap/internal/swap"
	"bookswap/pkg/eventstore"
)

type state struct {
	items    map[uuid.UUID]swap.Item
	requests map[uuid.UUID]swap.SwapRequest
	claims   map[uuid.UUID]uuid.UUID // item id -> request id
	events   map[uuid.UUID][]swap.Event
}

func newState() *state {
	return &state{
		items:    make(map[uuid.UUID]swap.Item),
		requests: make(map[uuid.UUID]swap.SwapRequest),
		claims:   make(map[uuid.UUID]uuid.UUID),
		events:   make(map[uuid.UUID][]swap.Event),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	for k, v := range s.events {
		c.events[k] = append([]swap.Event(nil), v...)
	}
	return c
}

// Store implements swap.Store in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// PutItem inserts or replaces an item outside any negotiation, the way
// catalog edits do.
func (s *Store) PutItem(item swap.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.items[item.ID] = item
}

// Item returns the current state of an item.
func (s *Store) Item(id uuid.UUID) (swap.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.state.items[id]
	return item, ok
}

// ClaimHolder returns the request currently holding a claim on an item.
func (s *Store) ClaimHolder(itemID uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.claims[itemID]
	return id, ok
}

// Requests returns a snapshot of every stored request.
func (s *Store) Requests() []swap.SwapRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]swap.SwapRequest, 0, len(s.state.requests))
	for _, r := range s.state.requests {
		out = append(out, r)
	}
	return out
}

// Seed loads a JSON array of items.
func (s *Store) Seed(r io.Reader) (int, error) {
	var items []swap.Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return 0, fmt.Errorf("decode seed items: %w", err)
	}
	for _, item := range items {
		s.PutItem(item)
	}
	return len(items), nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx swap.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) GetSwapRequest(_ context.Context, id uuid.UUID) (*swap.SwapRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.request(id)
}

func (s *Store) History(_ context.Context, id uuid.UUID) ([]swap.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]swap.Event(nil), s.state.events[id]...), nil
}

func (s *state) request(id uuid.UUID) (*swap.SwapRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: swap request %s", swap.ErrNotFound, id)
	}
	return &r, nil
}

type tx struct {
	st *state
}

func (t *tx) GetItem(_ context.Context, id uuid.UUID) (*swap.Item, error) {
	item, ok := t.st.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", swap.ErrNotFound, id)
	}
	return &item, nil
}

func (t *tx) TransferOwnership(_ context.Context, itemID, expectedOwner, newOwner uuid.UUID, available bool) (int64, error) {
	item, ok := t.st.items[itemID]
	if !ok || item.OwnerID != expectedOwner {
		return 0, nil
	}
	item.OwnerID = newOwner
	item.IsAvailable = available
	t.st.items[itemID] = item
	return 1, nil
}

func (t *tx) GetSwapRequest(_ context.Context, id uuid.UUID) (*swap.SwapRequest, error) {
	return t.st.request(id)
}

func (t *tx) InsertSwapRequest(_ context.Context, r *swap.SwapRequest) error {
	if _, exists := t.st.requests[r.ID]; exists {
		return fmt.Errorf("swap request %s already exists", r.ID)
	}
	t.st.requests[r.ID] = *r
	return nil
}

func (t *tx) UpdateSwapRequest(_ context.Context, r *swap.SwapRequest, expectedVersion int) (int64, error) {
	current, ok := t.st.requests[r.ID]
	if !ok || current.Version != expectedVersion {
		return 0, nil
	}
	t.st.requests[r.ID] = *r
	return 1, nil
}

func (t *tx) ClaimItems(_ context.Context, requestID uuid.UUID, itemIDs []uuid.UUID) error {
	for _, itemID := range itemIDs {
		if holder, held := t.st.claims[itemID]; held && holder != requestID {
			return fmt.Errorf("%w: item %s is held by swap request %s", swap.ErrItemConflict, itemID, holder)
		}
	}
	for _, itemID := range itemIDs {
		t.st.claims[itemID] = requestID
	}
	return nil
}

func (t *tx) ReleaseItems(_ context.Context, requestID uuid.UUID) error {
	for itemID, holder := range t.st.claims {
		if holder == requestID {
			delete(t.st.claims, itemID)
		}
	}
	return nil
}

func (t *tx) AppendEvent(_ context.Context, e swap.Event) error {
	log := t.st.events[e.RequestID]
	if e.Version != len(log)+1 {
		return eventstore.ErrConcurrencyConflict
	}
	t.st.events[e.RequestID] = append(log, e)
	return nil
}
