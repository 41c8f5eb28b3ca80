// internal/catalog/implementation_test.go
package catalog_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookswap/internal/catalog"
	"bookswap/internal/postgres"
	"bookswap/pkg/eventstore"
)

func newTestService(t *testing.T) catalog.Service {
	t.Helper()
	url := os.Getenv("SWAP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SWAP_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = postgres.Migrate(ctx, db)
	require.NoError(t, err)

	return catalog.NewService(eventstore.NewEventStore(db), db, nil)
}

func TestCatalogLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := uuid.New()

	book, err := svc.AddBook(ctx, owner, "9780141439518", "Pride and Prejudice", "Jane Austen")
	require.NoError(t, err)
	assert.True(t, book.IsAvailable)
	assert.Equal(t, 1, book.Version)

	_, err = svc.SetAvailability(ctx, book.ID, uuid.New(), false)
	assert.ErrorIs(t, err, catalog.ErrForbidden)

	updated, err := svc.SetAvailability(ctx, book.ID, owner, false)
	require.NoError(t, err)
	assert.False(t, updated.IsAvailable)
	assert.Equal(t, 2, updated.Version)

	owned, err := svc.ListByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	found, err := svc.Search(ctx, "prejudice")
	require.NoError(t, err)
	assert.NotEmpty(t, found)

	_, err = svc.GetBook(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = svc.AddBook(ctx, owner, "", "  ", "")
	assert.ErrorIs(t, err, catalog.ErrValidation)
}
