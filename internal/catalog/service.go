// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, ownerID uuid.UUID, isbn, title, author string) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Book, error)
	SetAvailability(ctx context.Context, id, actorID uuid.UUID, available bool) (*Book, error)
	Search(ctx context.Context, query string) ([]*Book, error)
}
