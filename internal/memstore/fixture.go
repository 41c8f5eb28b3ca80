// internal/memstore/fixture.go
package memstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"bookswap/internal/swap"
)

// AddItem lists a new available book for ownerID.
func (s *Store) AddItem(_ context.Context, ownerID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	s.PutItem(swap.Item{ID: id, OwnerID: ownerID, IsAvailable: true})
	return id, nil
}

// SetOwner reassigns a book outside any negotiation.
func (s *Store) SetOwner(_ context.Context, itemID, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.state.items[itemID]
	if !ok {
		return fmt.Errorf("%w: item %s", swap.ErrNotFound, itemID)
	}
	item.OwnerID = ownerID
	s.state.items[itemID] = item
	return nil
}

func (s *Store) OwnerOf(_ context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	item, ok := s.Item(itemID)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: item %s", swap.ErrNotFound, itemID)
	}
	return item.OwnerID, nil
}
