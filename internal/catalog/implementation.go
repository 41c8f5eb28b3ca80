// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"bookswap/pkg/eventstore"
)

const searchLimit = 20

// service implements the Service interface.
type service struct {
	eventStore *eventstore.EventStore
	db         *sqlx.DB
	logger     *slog.Logger
}

// NewService creates a new catalog service instance.
func NewService(es *eventstore.EventStore, db *sqlx.DB, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		eventStore: es,
		db:         db,
		logger:     logger.With("component", "catalog"),
	}
}

// AddBook lists a new available book for ownerID.
func (s *service) AddBook(ctx context.Context, ownerID uuid.UUID, isbn, title, author string) (*Book, error) {
	title = strings.TrimSpace(title)
	if ownerID == uuid.Nil || title == "" {
		return nil, fmt.Errorf("%w: owner and title are required", ErrValidation)
	}

	book := &Book{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		ISBN:        strings.TrimSpace(isbn),
		Title:       title,
		Author:      strings.TrimSpace(author),
		IsAvailable: true,
		Version:     1,
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO books (id, owner_id, isbn, title, author, is_available, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at
		`, book.ID, book.OwnerID, book.ISBN, book.Title, book.Author, book.IsAvailable, book.Version).
			Scan(&book.CreatedAt, &book.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		return s.appendEvent(ctx, tx, book.ID, 0, "BookAdded", BookAddedEvent{
			ID:      book.ID,
			OwnerID: book.OwnerID,
			ISBN:    book.ISBN,
			Title:   book.Title,
			Author:  book.Author,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "book added", "book_id", book.ID, "owner_id", ownerID)
	return book, nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	book := &Book{}
	err := s.db.GetContext(ctx, book, `
		SELECT id, owner_id, isbn, title, author, is_available, version, created_at, updated_at
		FROM books
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

// ListByOwner returns the books ownerID currently owns, newest first.
func (s *service) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Book, error) {
	books := []*Book{}
	err := s.db.SelectContext(ctx, &books, `
		SELECT id, owner_id, isbn, title, author, is_available, version, created_at, updated_at
		FROM books
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// SetAvailability lists or unlists a book. Only the current owner may do so,
// and the write is conditioned on the version that was read.
func (s *service) SetAvailability(ctx context.Context, id, actorID uuid.UUID, available bool) (*Book, error) {
	book, err := s.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if book.OwnerID != actorID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	if book.IsAvailable == available {
		return book, nil
	}

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		streamVersion, err := s.eventStore.GetCurrentVersionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE books
			SET is_available = $1, version = version + 1, updated_at = NOW()
			WHERE id = $2 AND owner_id = $3 AND version = $4
		`, available, id, actorID, book.Version)
		if err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrConflict, id)
		}
		return s.appendEvent(ctx, tx, id, streamVersion, "BookAvailabilityChanged", BookAvailabilityChangedEvent{
			ID:          id,
			IsAvailable: available,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "book availability changed", "book_id", id, "available", available)
	return s.GetBook(ctx, id)
}

// Search matches the query against titles and authors.
func (s *service) Search(ctx context.Context, query string) ([]*Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: missing search query", ErrValidation)
	}

	books := []*Book{}
	err := s.db.SelectContext(ctx, &books, `
		SELECT id, owner_id, isbn, title, author, is_available, version, created_at, updated_at
		FROM books
		WHERE to_tsvector('english', title) @@ plainto_tsquery('english', $1)
		   OR to_tsvector('english', author) @@ plainto_tsquery('english', $1)
		   OR isbn = $1
		ORDER BY title
		LIMIT $2
	`, query, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return books, nil
}

func (s *service) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return tx.Commit()
}

func (s *service) appendEvent(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, expectedVersion int, eventType string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return s.eventStore.AppendEventsTx(ctx, tx, id, AggregateType, expectedVersion, []eventstore.Event{{
		EventType: eventType,
		EventData: jsonData,
	}})
}
