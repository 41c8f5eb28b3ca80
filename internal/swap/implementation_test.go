// internal/swap/implementation_test.go
package swap_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"bookswap/internal/memstore"
	"bookswap/internal/swap"
)

type recorder struct {
	mu     sync.Mutex
	events []swap.Event
}

func (r *recorder) Emit(_ context.Context, e swap.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []swap.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]swap.EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// fixture is two users, each owning books, over an in-memory store.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.Store
	events *recorder
	svc    swap.Service

	owner     uuid.UUID
	requester uuid.UUID
	stranger  uuid.UUID

	requested uuid.UUID // owner's
	offered   uuid.UUID // requester's
	spare     uuid.UUID // requester's
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, swap.Config{})
}

func newFixtureWithConfig(t *testing.T, cfg swap.Config) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     memstore.New(),
		events:    &recorder{},
		owner:     uuid.New(),
		requester: uuid.New(),
		stranger:  uuid.New(),
	}
	f.svc = swap.NewService(f.store, f.events, cfg)
	f.requested = f.book(f.owner)
	f.offered = f.book(f.requester)
	f.spare = f.book(f.requester)
	return f
}

func (f *fixture) book(owner uuid.UUID) uuid.UUID {
	id, err := f.store.AddItem(f.ctx, owner)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) ownerOf(item uuid.UUID) uuid.UUID {
	id, err := f.store.OwnerOf(f.ctx, item)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) create() *swap.SwapRequest {
	f.t.Helper()
	r, err := f.svc.CreateSwapRequest(f.ctx, f.requested, f.requester, f.offered, "Would you swap?")
	require.NoError(f.t, err)
	return r
}

func (f *fixture) accepted() *swap.SwapRequest {
	f.t.Helper()
	r := f.create()
	r, err := f.svc.AcceptSwapRequest(f.ctx, r.ID, f.owner)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) assertUnclaimed(items ...uuid.UUID) {
	f.t.Helper()
	for _, item := range items {
		_, held := f.store.ClaimHolder(item)
		assert.False(f.t, held, "item %s still claimed", item)
	}
}

func TestHappyPathExchangesOwnership(t *testing.T) {
	f := newFixture(t)

	r := f.create()
	assert.Equal(t, swap.StatusPending, r.Status)
	assert.Equal(t, f.owner, r.OwnerID)
	assert.Equal(t, 1, r.Version)
	holder, held := f.store.ClaimHolder(f.requested)
	require.True(t, held)
	assert.Equal(t, r.ID, holder)

	r, err := f.svc.AcceptSwapRequest(f.ctx, r.ID, f.owner)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusAccepted, r.Status)

	r, err = f.svc.CompleteSwapRequest(f.ctx, r.ID, f.requester, 5, "Lovely copy")
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCompleted, r.Status)
	assert.Equal(t, 3, r.Version)
	require.NotNil(t, r.CompletionDate)
	require.NotNil(t, r.RequesterRating)
	assert.Equal(t, 5, *r.RequesterRating)
	assert.Nil(t, r.OwnerRating)

	assert.Equal(t, f.requester, f.ownerOf(f.requested))
	assert.Equal(t, f.owner, f.ownerOf(f.offered))
	item, _ := f.store.Item(f.requested)
	assert.Equal(t, swap.AvailableAfterTransfer, item.IsAvailable)
	f.assertUnclaimed(f.requested, f.offered)

	assert.Equal(t, []swap.EventKind{swap.EventCreated, swap.EventAccepted, swap.EventCompleted}, f.events.kinds())

	history, err := f.svc.History(f.ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, swap.StatusAccepted, history[2].FromStatus)
	assert.Equal(t, swap.StatusCompleted, history[2].ToStatus)
	assert.Equal(t, f.requester, history[2].ActorID)
}

func TestCounterOfferFlow(t *testing.T) {
	f := newFixture(t)
	r := f.create()

	r, err := f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, f.spare)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCounterOffer, r.Status)
	require.NotNil(t, r.CounterOfferedItemID)
	assert.Equal(t, f.spare, *r.CounterOfferedItemID)
	holder, held := f.store.ClaimHolder(f.spare)
	require.True(t, held)
	assert.Equal(t, r.ID, holder)

	r, err = f.svc.AcceptSwapRequest(f.ctx, r.ID, f.requester)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusAccepted, r.Status)

	_, err = f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, 4, "")
	require.NoError(t, err)

	assert.Equal(t, f.requester, f.ownerOf(f.requested))
	assert.Equal(t, f.owner, f.ownerOf(f.spare))
	assert.Equal(t, f.requester, f.ownerOf(f.offered), "replaced offer must not move")
	f.assertUnclaimed(f.requested, f.offered, f.spare)
}

func TestCounterOfferRules(t *testing.T) {
	f := newFixture(t)
	r := f.create()
	elsewhere := f.book(f.stranger)

	_, err := f.svc.MakeCounterOffer(f.ctx, r.ID, f.requester, f.spare)
	assert.ErrorIs(t, err, swap.ErrInvalidTransition)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, f.requested)
	assert.ErrorIs(t, err, swap.ErrSelfSwap)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, f.offered)
	assert.ErrorIs(t, err, swap.ErrValidation)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, elsewhere)
	assert.ErrorIs(t, err, swap.ErrItemUnavailable)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, uuid.New())
	assert.ErrorIs(t, err, swap.ErrNotFound)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, uuid.Nil)
	assert.ErrorIs(t, err, swap.ErrValidation)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, f.spare)
	require.NoError(t, err)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, f.spare)
	assert.ErrorIs(t, err, swap.ErrInvalidTransition, "only one counter-offer per request")
}

func TestAcceptRoles(t *testing.T) {
	f := newFixture(t)
	r := f.create()

	_, err := f.svc.AcceptSwapRequest(f.ctx, r.ID, f.requester)
	var te *swap.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, swap.StatusPending, te.From)
	assert.Equal(t, swap.StatusAccepted, te.To)
	assert.Equal(t, swap.RoleRequester, te.Role)

	_, err = f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, f.spare)
	require.NoError(t, err)

	_, err = f.svc.AcceptSwapRequest(f.ctx, r.ID, f.owner)
	assert.ErrorIs(t, err, swap.ErrInvalidTransition)

	_, err = f.svc.AcceptSwapRequest(f.ctx, r.ID, f.stranger)
	assert.ErrorIs(t, err, swap.ErrUnauthorized)
}

func TestCancellation(t *testing.T) {
	t.Run("requester cancels pending", func(t *testing.T) {
		f := newFixture(t)
		r := f.create()

		r, err := f.svc.CancelSwapRequest(f.ctx, r.ID, f.requester)
		require.NoError(t, err)
		assert.Equal(t, swap.StatusCancelled, r.Status)
		require.NotNil(t, r.CancelledBy)
		assert.Equal(t, f.requester, *r.CancelledBy)
		f.assertUnclaimed(f.requested, f.offered)
		assert.Equal(t, f.owner, f.ownerOf(f.requested))
	})

	t.Run("owner cancels counter-offer", func(t *testing.T) {
		f := newFixture(t)
		r := f.create()
		_, err := f.svc.MakeCounterOffer(f.ctx, r.ID, f.owner, f.spare)
		require.NoError(t, err)

		r, err = f.svc.CancelSwapRequest(f.ctx, r.ID, f.owner)
		require.NoError(t, err)
		assert.Equal(t, f.owner, *r.CancelledBy)
		f.assertUnclaimed(f.requested, f.offered, f.spare)
	})

	t.Run("accepted cannot be cancelled", func(t *testing.T) {
		f := newFixture(t)
		r := f.accepted()

		_, err := f.svc.CancelSwapRequest(f.ctx, r.ID, f.requester)
		assert.ErrorIs(t, err, swap.ErrInvalidTransition)
	})

	t.Run("stranger cannot cancel", func(t *testing.T) {
		f := newFixture(t)
		r := f.create()

		_, err := f.svc.CancelSwapRequest(f.ctx, r.ID, f.stranger)
		assert.ErrorIs(t, err, swap.ErrUnauthorized)
	})
}

func TestAcceptOnCancelledIsRejected(t *testing.T) {
	f := newFixture(t)
	r := f.create()
	_, err := f.svc.CancelSwapRequest(f.ctx, r.ID, f.requester)
	require.NoError(t, err)

	for _, actor := range []uuid.UUID{f.owner, f.requester} {
		_, err = f.svc.AcceptSwapRequest(f.ctx, r.ID, actor)
		var te *swap.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, swap.StatusCancelled, te.From)
		assert.Equal(t, swap.StatusAccepted, te.To)
	}

	// Non-participants are turned away before the status is considered.
	_, err = f.svc.AcceptSwapRequest(f.ctx, r.ID, f.stranger)
	assert.ErrorIs(t, err, swap.ErrUnauthorized)

	_, err = f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, 3, "")
	assert.ErrorIs(t, err, swap.ErrInvalidTransition)

	stored, err := f.svc.GetSwapRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCancelled, stored.Status)
}

func TestSecondCompletionRecordsFeedbackOnly(t *testing.T) {
	f := newFixture(t)
	r := f.accepted()

	_, err := f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, 4, "Quick and friendly")
	require.NoError(t, err)

	_, err = f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, 4, "again")
	assert.ErrorIs(t, err, swap.ErrInvalidTransition)

	r, err = f.svc.CompleteSwapRequest(f.ctx, r.ID, f.requester, 2, "Cover was torn")
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCompleted, r.Status)
	require.NotNil(t, r.OwnerRating)
	require.NotNil(t, r.RequesterRating)
	assert.Equal(t, 4, *r.OwnerRating)
	assert.Equal(t, 2, *r.RequesterRating)
	assert.Equal(t, "Cover was torn", *r.RequesterFeedback)

	assert.Equal(t, f.requester, f.ownerOf(f.requested), "ownership must not swap back")
	assert.Equal(t, f.owner, f.ownerOf(f.offered))
	assert.Equal(t,
		[]swap.EventKind{swap.EventCreated, swap.EventAccepted, swap.EventCompleted, swap.EventFeedback},
		f.events.kinds())
}

func TestConcurrentCompletionsTransferOnce(t *testing.T) {
	f := newFixture(t)
	r := f.accepted()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		actor := f.owner
		if i%2 == 1 {
			actor = f.requester
		}
		wg.Add(1)
		go func(actor uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.CompleteSwapRequest(f.ctx, r.ID, actor, 5, "")
			if err != nil {
				assert.ErrorIs(t, err, swap.ErrInvalidTransition)
			}
		}(actor)
	}
	wg.Wait()

	history, err := f.svc.History(f.ctx, r.ID)
	require.NoError(t, err)
	completions := 0
	for _, e := range history {
		if e.Kind == swap.EventCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
	assert.Equal(t, f.requester, f.ownerOf(f.requested))
	assert.Equal(t, f.owner, f.ownerOf(f.offered))
}

func TestOwnershipRaceRollsBackCompletion(t *testing.T) {
	f := newFixture(t)
	r := f.accepted()
	before := len(f.events.kinds())

	require.NoError(t, f.store.SetOwner(f.ctx, f.offered, f.stranger))

	_, err := f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, 5, "")
	var changed *swap.OwnershipChangedError
	require.ErrorAs(t, err, &changed)
	assert.Equal(t, f.offered, changed.ItemID)
	assert.Equal(t, f.requester, changed.ExpectedOwner)

	assert.Equal(t, f.owner, f.ownerOf(f.requested), "first leg must roll back")
	stored, err := f.svc.GetSwapRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusAccepted, stored.Status)
	assert.Equal(t, r.Version, stored.Version)
	assert.Nil(t, stored.CompletionDate)
	assert.Len(t, f.events.kinds(), before, "no event for a rolled back completion")
}

func TestAcceptDetectsOwnershipChange(t *testing.T) {
	f := newFixture(t)
	r := f.create()
	require.NoError(t, f.store.SetOwner(f.ctx, f.requested, f.stranger))

	_, err := f.svc.AcceptSwapRequest(f.ctx, r.ID, f.owner)
	assert.ErrorIs(t, err, swap.ErrOwnershipChanged)
}

func TestCreateRejections(t *testing.T) {
	f := newFixture(t)
	unlisted := f.book(f.owner)
	f.store.PutItem(swap.Item{ID: unlisted, OwnerID: f.owner, IsAvailable: false})

	cases := []struct {
		name      string
		requested uuid.UUID
		requester uuid.UUID
		offered   uuid.UUID
		message   string
		want      error
	}{
		{"own book", f.offered, f.requester, f.spare, "", swap.ErrSelfSwap},
		{"same item both sides", f.requested, f.requester, f.requested, "", swap.ErrSelfSwap},
		{"offered not owned", f.requested, f.requester, f.book(f.stranger), "", swap.ErrItemUnavailable},
		{"unavailable", unlisted, f.requester, f.offered, "", swap.ErrItemUnavailable},
		{"unknown item", uuid.New(), f.requester, f.offered, "", swap.ErrNotFound},
		{"missing requester", f.requested, uuid.Nil, f.offered, "", swap.ErrValidation},
		{"message too long", f.requested, f.requester, f.offered, strings.Repeat("x", swap.MaxMessageLength+1), swap.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateSwapRequest(f.ctx, tc.requested, tc.requester, tc.offered, tc.message)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.want, swap.Kind(err))
		})
	}
	assert.Empty(t, f.store.Requests())
	assert.Empty(t, f.events.kinds())
}

func TestLiveRequestHoldsItsItems(t *testing.T) {
	f := newFixture(t)
	r := f.create()
	rival := uuid.New()
	rivalBook := f.book(rival)

	_, err := f.svc.CreateSwapRequest(f.ctx, f.requested, rival, rivalBook, "")
	assert.ErrorIs(t, err, swap.ErrItemConflict)

	_, err = f.svc.CreateSwapRequest(f.ctx, rivalBook, f.requester, f.offered, "")
	assert.ErrorIs(t, err, swap.ErrItemConflict)

	_, err = f.svc.CancelSwapRequest(f.ctx, r.ID, f.owner)
	require.NoError(t, err)

	_, err = f.svc.CreateSwapRequest(f.ctx, f.requested, rival, rivalBook, "")
	assert.NoError(t, err)
}

func TestCompleteValidatesRating(t *testing.T) {
	f := newFixture(t)
	r := f.accepted()

	for _, rating := range []int{0, 6, -1} {
		_, err := f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, rating, "")
		assert.ErrorIs(t, err, swap.ErrValidation, "rating %d", rating)
	}
	_, err := f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, 3, strings.Repeat("é", swap.MaxFeedbackLength+1))
	assert.ErrorIs(t, err, swap.ErrValidation)

	_, err = f.svc.CompleteSwapRequest(f.ctx, r.ID, f.owner, 3, strings.Repeat("é", swap.MaxFeedbackLength))
	assert.NoError(t, err)
}

func TestCompletePendingIsRejected(t *testing.T) {
	f := newFixture(t)
	r := f.create()

	_, err := f.svc.CompleteSwapRequest(f.ctx, r.ID, f.requester, 5, "")
	assert.ErrorIs(t, err, swap.ErrInvalidTransition)
	assert.Equal(t, f.owner, f.ownerOf(f.requested))
}

func TestCreateIsRateLimited(t *testing.T) {
	f := newFixtureWithConfig(t, swap.Config{CreateLimit: rate.Every(time.Hour), CreateBurst: 1})
	f.create()

	other := f.book(f.stranger)
	_, err := f.svc.CreateSwapRequest(f.ctx, other, f.requester, f.spare, "")
	assert.ErrorIs(t, err, swap.ErrRateLimited)

	_, err = f.svc.CreateSwapRequest(f.ctx, f.spare, f.stranger, other, "")
	assert.NoError(t, err, "limits are per requester")
}

func TestGetAndHistoryNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetSwapRequest(f.ctx, uuid.New())
	assert.ErrorIs(t, err, swap.ErrNotFound)

	_, err = f.svc.History(f.ctx, uuid.New())
	assert.ErrorIs(t, err, swap.ErrNotFound)

	_, err = f.svc.AcceptSwapRequest(f.ctx, uuid.New(), f.owner)
	assert.ErrorIs(t, err, swap.ErrNotFound)
}
