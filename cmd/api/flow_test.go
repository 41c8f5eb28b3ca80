// cmd/api/flow_test.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookswap/internal/auth"
	"bookswap/internal/memstore"
	"bookswap/internal/swap"
)

type testSuite struct {
	store    *memstore.Store
	verifier *auth.Verifier
	gateway  *httptest.Server
}

// setupTestSuite runs a swap service on an in-memory store behind the gateway.
func setupTestSuite(t *testing.T) *testSuite {
	t.Helper()
	store := memstore.New()
	verifier := auth.NewVerifier("flow-test-secret")
	svc := swap.NewService(store, nil, swap.Config{})

	r := chi.NewRouter()
	r.With(verifier.Middleware).Mount("/swap-requests", swap.NewHandler(svc, nil).Routes())
	swapServer := httptest.NewServer(r)
	t.Cleanup(swapServer.Close)

	swapURL, err := url.Parse(swapServer.URL)
	require.NoError(t, err)
	gateway := httptest.NewServer(newRouter(swapURL, swapURL, slog.Default()))
	t.Cleanup(gateway.Close)

	return &testSuite{store: store, verifier: verifier, gateway: gateway}
}

func (ts *testSuite) post(t *testing.T, actor uuid.UUID, path string, body interface{}) (*http.Response, *swap.SwapRequest) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.gateway.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	token, err := ts.verifier.Issue(actor, time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var r swap.SwapRequest
	if resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	}
	return resp, &r
}

func TestSwapFlowThroughGateway(t *testing.T) {
	ts := setupTestSuite(t)
	ctx := context.Background()

	owner, requester := uuid.New(), uuid.New()
	dune, _ := ts.store.AddItem(ctx, owner)
	emma, _ := ts.store.AddItem(ctx, requester)

	resp, created := ts.post(t, requester, "/api/v1/swaps", map[string]string{
		"requested_item_id": dune.String(),
		"offered_item_id":   emma.String(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.post(t, owner, fmt.Sprintf("/api/v1/swaps/%s/accept", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, completed := ts.post(t, requester, fmt.Sprintf("/api/v1/swaps/%s/complete", created.ID), map[string]int{"rating": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, swap.StatusCompleted, completed.Status)

	duneOwner, _ := ts.store.OwnerOf(ctx, dune)
	emmaOwner, _ := ts.store.OwnerOf(ctx, emma)
	assert.Equal(t, requester, duneOwner)
	assert.Equal(t, owner, emmaOwner)
}

func TestConcurrentRequestsPreventDoubleClaim(t *testing.T) {
	ts := setupTestSuite(t)
	ctx := context.Background()

	owner := uuid.New()
	gatsby, _ := ts.store.AddItem(ctx, owner)

	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := map[int]int{}

	for i := 0; i < 10; i++ {
		requester := uuid.New()
		offered, _ := ts.store.AddItem(ctx, requester)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := ts.post(t, requester, "/api/v1/swaps", map[string]string{
				"requested_item_id": gatsby.String(),
				"offered_item_id":   offered.String(),
			})
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[http.StatusCreated], "only one live request may claim the book")
	assert.Equal(t, 9, statuses[http.StatusConflict])
}
