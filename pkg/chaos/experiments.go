package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookswap/internal/swap"
)

// Fixture creates and inspects books out-of-band, the way a catalog edit or
// an operator would, so experiments can set up and perturb swaps.
type Fixture interface {
	AddItem(ctx context.Context, ownerID uuid.UUID) (uuid.UUID, error)
	SetOwner(ctx context.Context, itemID, ownerID uuid.UUID) error
	OwnerOf(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error)
}

// SwapTarget is the system under test.
type SwapTarget struct {
	Service swap.Service
	Fixture Fixture
}

// RegisterSwapExperiments registers the predefined swap experiments.
func (ce *ChaosEngine) RegisterSwapExperiments(target SwapTarget, concurrency int, observe time.Duration) {
	ce.RegisterExperiment(ConcurrentCompletionRace(target, concurrency, observe))
	ce.RegisterExperiment(OwnershipChangeDuringCompletion(target, observe))
}

// acceptedSwap is an accepted request between two fresh users.
type acceptedSwap struct {
	mu        sync.Mutex
	requestID uuid.UUID
	owner     uuid.UUID
	requester uuid.UUID
	requested uuid.UUID
	offered   uuid.UUID
}

func (a *acceptedSwap) prepare(ctx context.Context, target SwapTarget) error {
	owner, requester := uuid.New(), uuid.New()
	requested, err := target.Fixture.AddItem(ctx, owner)
	if err != nil {
		return fmt.Errorf("add requested item: %w", err)
	}
	offered, err := target.Fixture.AddItem(ctx, requester)
	if err != nil {
		return fmt.Errorf("add offered item: %w", err)
	}

	r, err := target.Service.CreateSwapRequest(ctx, requested, requester, offered, "chaos experiment")
	if err != nil {
		return fmt.Errorf("create swap request: %w", err)
	}
	if _, err := target.Service.AcceptSwapRequest(ctx, r.ID, owner); err != nil {
		return fmt.Errorf("accept swap request: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestID, a.owner, a.requester, a.requested, a.offered = r.ID, owner, requester, requested, offered
	return nil
}

func (a *acceptedSwap) snapshot() acceptedSwap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return acceptedSwap{
		requestID: a.requestID,
		owner:     a.owner,
		requester: a.requester,
		requested: a.requested,
		offered:   a.offered,
	}
}

func countEvents(ctx context.Context, svc swap.Service, requestID uuid.UUID, kind swap.EventKind) (float64, error) {
	if requestID == uuid.Nil {
		return 0, nil
	}
	history, err := svc.History(ctx, requestID)
	if err != nil {
		return 0, err
	}
	var n float64
	for _, e := range history {
		if e.Kind == kind {
			n++
		}
	}
	return n, nil
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ConcurrentCompletionRace fires concurrency completions of one accepted
// request from both parties at once.
func ConcurrentCompletionRace(target SwapTarget, concurrency int, observe time.Duration) ChaosExperiment {
	if concurrency < 2 {
		concurrency = 2
	}
	swp := &acceptedSwap{}

	return ChaosExperiment{
		Name:       "concurrent-completion-race",
		Hypothesis: "Ownership is exchanged exactly once when both parties complete the same swap simultaneously",
		SteadyState: []Metric{
			{
				Name: "completion_events",
				Query: func(ctx context.Context) (float64, error) {
					return countEvents(ctx, target.Service, swp.snapshot().requestID, swap.EventCompleted)
				},
				Threshold: Threshold{Operator: AtMost, Value: 1},
			},
			{
				Name: "ownership_exchanged",
				Query: func(ctx context.Context) (float64, error) {
					s := swp.snapshot()
					if s.requestID == uuid.Nil {
						return 0, nil
					}
					requestedOwner, err := target.Fixture.OwnerOf(ctx, s.requested)
					if err != nil {
						return 0, err
					}
					offeredOwner, err := target.Fixture.OwnerOf(ctx, s.offered)
					if err != nil {
						return 0, err
					}
					return boolMetric(requestedOwner == s.requester && offeredOwner == s.owner), nil
				},
				Threshold: Threshold{Operator: AtLeast, Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "prepare",
				Target: "swap-service",
				Execute: func(ctx context.Context) error {
					return swp.prepare(ctx, target)
				},
			},
			{
				Type:   "concurrent-requests",
				Target: "swap-service",
				Parameters: map[string]interface{}{
					"concurrency": concurrency,
				},
				Execute: func(ctx context.Context) error {
					s := swp.snapshot()
					if s.requestID == uuid.Nil {
						return errors.New("no accepted swap to complete")
					}

					var wg sync.WaitGroup
					errs := make(chan error, concurrency)
					for i := 0; i < concurrency; i++ {
						actor := s.owner
						if i%2 == 1 {
							actor = s.requester
						}
						wg.Add(1)
						go func(actor uuid.UUID) {
							defer wg.Done()
							_, err := target.Service.CompleteSwapRequest(ctx, s.requestID, actor, swap.MaxRating, "")
							// Losing the race is the expected outcome for all but one caller.
							if err != nil && swap.Kind(err) != swap.ErrInvalidTransition {
								errs <- err
							}
						}(actor)
					}
					wg.Wait()
					close(errs)

					var unexpected []error
					for err := range errs {
						unexpected = append(unexpected, err)
					}
					return errors.Join(unexpected...)
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "completion_events",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one completion should be committed",
			},
			{
				Metric:    "ownership_exchanged",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Both books should have changed hands",
			},
		},
		Duration:       observe,
		SampleInterval: observe / 4,
		BlastRadius:    0.1,
	}
}

// OwnershipChangeDuringCompletion moves the offered book to a third user
// after acceptance and then completes the swap.
func OwnershipChangeDuringCompletion(target SwapTarget, observe time.Duration) ChaosExperiment {
	swp := &acceptedSwap{}
	var (
		mu       sync.Mutex
		rejected bool
	)
	intruder := uuid.New()

	return ChaosExperiment{
		Name:       "ownership-change-during-completion",
		Hypothesis: "Completion is rejected with no partial transfer when an item changes owner after acceptance",
		SteadyState: []Metric{
			{
				Name: "partial_transfers",
				Query: func(ctx context.Context) (float64, error) {
					s := swp.snapshot()
					if s.requestID == uuid.Nil {
						return 0, nil
					}
					owner, err := target.Fixture.OwnerOf(ctx, s.requested)
					if err != nil {
						return 0, err
					}
					return boolMetric(owner != s.owner), nil
				},
				Threshold: Threshold{Operator: Equal, Value: 0},
			},
			{
				Name: "ownership_conflict_rejections",
				Query: func(ctx context.Context) (float64, error) {
					mu.Lock()
					defer mu.Unlock()
					return boolMetric(rejected), nil
				},
				Threshold: Threshold{Operator: AtLeast, Value: 0},
			},
			{
				Name: "completion_events",
				Query: func(ctx context.Context) (float64, error) {
					return countEvents(ctx, target.Service, swp.snapshot().requestID, swap.EventCompleted)
				},
				Threshold: Threshold{Operator: Equal, Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "prepare",
				Target: "swap-service",
				Execute: func(ctx context.Context) error {
					return swp.prepare(ctx, target)
				},
			},
			{
				Type:   "change-owner",
				Target: "books",
				Execute: func(ctx context.Context) error {
					return target.Fixture.SetOwner(ctx, swp.snapshot().offered, intruder)
				},
			},
			{
				Type:   "complete",
				Target: "swap-service",
				Execute: func(ctx context.Context) error {
					s := swp.snapshot()
					_, err := target.Service.CompleteSwapRequest(ctx, s.requestID, s.owner, swap.MaxRating, "")
					if errors.Is(err, swap.ErrOwnershipChanged) {
						mu.Lock()
						rejected = true
						mu.Unlock()
						return nil
					}
					if err == nil {
						return errors.New("completion succeeded although an item changed owner")
					}
					return err
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore-owner",
				Target: "books",
				Execute: func(ctx context.Context) error {
					s := swp.snapshot()
					if s.requestID == uuid.Nil {
						return nil
					}
					return target.Fixture.SetOwner(ctx, s.offered, s.requester)
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "ownership_conflict_rejections",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Completion should be rejected with an ownership conflict",
			},
			{
				Metric:    "partial_transfers",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "The requested book must stay with its owner",
			},
			{
				Metric:    "completion_events",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No completion should be recorded",
			},
		},
		Duration:       observe,
		SampleInterval: observe / 4,
		BlastRadius:    0.1,
	}
}
