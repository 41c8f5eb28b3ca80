// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("book not found")
	ErrForbidden  = errors.New("book belongs to another user")
	ErrConflict   = errors.New("book was modified concurrently")
	ErrValidation = errors.New("validation error")
)

// Book is a listed copy owned by one user.
type Book struct {
	ID          uuid.UUID `json:"id" db:"id"`
	OwnerID     uuid.UUID `json:"owner_id" db:"owner_id"`
	ISBN        string    `json:"isbn" db:"isbn"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	IsAvailable bool      `json:"is_available" db:"is_available"`
	Version     int       `json:"version" db:"version"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// AggregateType names books in the event store.
const AggregateType = "book"

// BookAddedEvent is recorded when a user lists a new book.
type BookAddedEvent struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"owner_id"`
	ISBN    string    `json:"isbn"`
	Title   string    `json:"title"`
	Author  string    `json:"author"`
}

// EventBookTransferred is the event type a completed swap records on each of
// its two books.
const EventBookTransferred = "BookTransferred"

// BookTransferredEvent is recorded when a completed swap hands a book to a
// new owner.
type BookTransferredEvent struct {
	ID          uuid.UUID `json:"id"`
	FromOwnerID uuid.UUID `json:"from_owner_id"`
	ToOwnerID   uuid.UUID `json:"to_owner_id"`
	IsAvailable bool      `json:"is_available"`
}

// BookAvailabilityChangedEvent is recorded when an owner lists or unlists a book.
type BookAvailabilityChangedEvent struct {
	ID          uuid.UUID `json:"id"`
	IsAvailable bool      `json:"is_available"`
}
