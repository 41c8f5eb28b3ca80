// internal/catalog/handler_test.go
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookswap/internal/auth"
)

// fakeService keeps books in a map.
type fakeService struct {
	books map[uuid.UUID]*Book
}

func newFakeService() *fakeService {
	return &fakeService{books: make(map[uuid.UUID]*Book)}
}

func (f *fakeService) AddBook(ctx context.Context, ownerID uuid.UUID, isbn, title, author string) (*Book, error) {
	b := &Book{ID: uuid.New(), OwnerID: ownerID, ISBN: isbn, Title: title, Author: author, IsAvailable: true, Version: 1}
	f.books[b.ID] = b
	return b, nil
}

func (f *fakeService) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	b, ok := f.books[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b, nil
}

func (f *fakeService) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Book, error) {
	books := []*Book{}
	for _, b := range f.books {
		if b.OwnerID == ownerID {
			books = append(books, b)
		}
	}
	return books, nil
}

func (f *fakeService) SetAvailability(ctx context.Context, id, actorID uuid.UUID, available bool) (*Book, error) {
	b, err := f.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.OwnerID != actorID {
		return nil, ErrForbidden
	}
	b.IsAvailable = available
	b.Version++
	return b, nil
}

func (f *fakeService) Search(ctx context.Context, query string) ([]*Book, error) {
	books := []*Book{}
	for _, b := range f.books {
		if strings.Contains(strings.ToLower(b.Title), strings.ToLower(query)) {
			books = append(books, b)
		}
	}
	return books, nil
}

func setup(t *testing.T) (*fakeService, http.Handler, *auth.Verifier) {
	t.Helper()
	svc := newFakeService()
	verifier := auth.NewVerifier("catalog-test-secret")
	return svc, NewHandler(svc, nil).Routes(verifier.Middleware), verifier
}

func bearer(t *testing.T, v *auth.Verifier, actor uuid.UUID) string {
	t.Helper()
	token, err := v.Issue(actor, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAddBookRequiresToken(t *testing.T) {
	_, h, _ := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/books", strings.NewReader(`{"title":"Dune"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAddAndGetBook(t *testing.T) {
	_, h, v := setup(t)
	owner := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/books", strings.NewReader(`{"isbn":"9780441172719","title":"Dune","author":"Frank Herbert"}`))
	req.Header.Set("Authorization", bearer(t, v, owner))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created Book
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, owner, created.OwnerID)
	assert.True(t, created.IsAvailable)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/"+created.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books?owner="+owner.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []Book
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	assert.Len(t, listed, 1)
}

func TestAddBookValidatesBody(t *testing.T) {
	_, h, v := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/books", strings.NewReader(`{"author":"Anonymous"}`))
	req.Header.Set("Authorization", bearer(t, v, uuid.New()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetAvailabilityOwnerOnly(t *testing.T) {
	svc, h, v := setup(t)
	owner := uuid.New()
	book, _ := svc.AddBook(context.Background(), owner, "", "Emma", "Jane Austen")
	path := "/books/" + book.ID.String() + "/availability"

	req := httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{"is_available":false}`))
	req.Header.Set("Authorization", bearer(t, v, uuid.New()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{"is_available":false}`))
	req.Header.Set("Authorization", bearer(t, v, owner))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.books[book.ID].IsAvailable)

	req = httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{}`))
	req.Header.Set("Authorization", bearer(t, v, owner))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBookNotFoundAndSearch(t *testing.T) {
	svc, h, _ := setup(t)
	svc.AddBook(context.Background(), uuid.New(), "", "Middlemarch", "George Eliot")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/search?q=middle", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var found []Book
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&found))
	assert.Len(t, found, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/search", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
