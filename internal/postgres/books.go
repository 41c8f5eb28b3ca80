// internal/postgres/books.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"bookswap/internal/swap"
)

// Books edits the books table directly, bypassing the catalog service. The
// chaos runner uses it to set up swaps and move books behind their back.
type Books struct {
	db *sqlx.DB
}

func NewBooks(db *sqlx.DB) *Books {
	return &Books{db: db}
}

// AddItem lists a new available book for ownerID.
func (b *Books) AddItem(ctx context.Context, ownerID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO books (id, owner_id, title) VALUES ($1, $2, $3)`,
		id, ownerID, "fixture "+id.String()[:8])
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert book: %w", err)
	}
	return id, nil
}

// SetOwner reassigns a book outside any negotiation.
func (b *Books) SetOwner(ctx context.Context, itemID, ownerID uuid.UUID) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE books SET owner_id = $2, version = version + 1, updated_at = NOW() WHERE id = $1`,
		itemID, ownerID)
	if err != nil {
		return fmt.Errorf("update book owner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: item %s", swap.ErrNotFound, itemID)
	}
	return nil
}

func (b *Books) OwnerOf(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := b.db.GetContext(ctx, &owner, `SELECT owner_id FROM books WHERE id = $1`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%w: item %s", swap.ErrNotFound, itemID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("select book owner: %w", err)
	}
	return owner, nil
}
