// internal/swap/implementation.go
package swap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	MaxMessageLength  = 1000
	MaxFeedbackLength = 2000
	MinRating         = 1
	MaxRating         = 5
)

// Config carries the optional collaborators of the service.
type Config struct {
	Logger *slog.Logger
	Now    func() time.Time

	// CreateLimit throttles CreateSwapRequest per requester. Zero disables
	// the throttle.
	CreateLimit rate.Limit
	CreateBurst int
}

// service implements the Service interface.
type service struct {
	store    Store
	emitter  Emitter
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	limiters *limiterSet
}

// NewService creates a swap service over store. A nil emitter discards events.
func NewService(store Store, emitter Emitter, cfg Config) Service {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &service{
		store:   store,
		emitter: emitter,
		logger:  cfg.Logger.With("component", "swap"),
		now:     cfg.Now,
		tracer:  otel.Tracer("bookswap/swap"),
	}
	if cfg.CreateLimit > 0 {
		s.limiters = newLimiterSet(cfg.CreateLimit, cfg.CreateBurst)
	}
	return s
}

// CreateSwapRequest opens a negotiation for requestedItemID, offering
// offeredItemID in exchange.
func (s *service) CreateSwapRequest(ctx context.Context, requestedItemID, requesterID, offeredItemID uuid.UUID, message string) (*SwapRequest, error) {
	ctx, span := s.tracer.Start(ctx, "swap.create",
		trace.WithAttributes(
			attribute.String("swap.requested_item", requestedItemID.String()),
			attribute.String("swap.offered_item", offeredItemID.String()),
			attribute.String("swap.actor", requesterID.String()),
		),
	)
	defer span.End()

	if err := s.validateCreate(requestedItemID, requesterID, offeredItemID, message); err != nil {
		return nil, s.reject(ctx, span, "create", uuid.Nil, err)
	}
	if !s.limiters.allow(requesterID) {
		return nil, s.reject(ctx, span, "create", uuid.Nil, fmt.Errorf("%w: too many swap requests from %s", ErrRateLimited, requesterID))
	}

	var created *SwapRequest
	var event Event
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		requested, err := tx.GetItem(ctx, requestedItemID)
		if err != nil {
			return err
		}
		if requested.OwnerID == requesterID {
			return fmt.Errorf("%w: requester %s already owns item %s", ErrSelfSwap, requesterID, requestedItemID)
		}
		if !requested.IsAvailable {
			return unavailable(requestedItemID, "is not available")
		}

		offered, err := tx.GetItem(ctx, offeredItemID)
		if err != nil {
			return err
		}
		if offered.OwnerID != requesterID {
			return unavailable(offeredItemID, "is not owned by the requester")
		}
		if !offered.IsAvailable {
			return unavailable(offeredItemID, "is not available")
		}

		now := s.now().UTC()
		offeredID := offeredItemID
		r := &SwapRequest{
			ID:              uuid.New(),
			RequestedItemID: requestedItemID,
			RequesterID:     requesterID,
			OwnerID:         requested.OwnerID,
			OfferedItemID:   &offeredID,
			Status:          StatusPending,
			Message:         message,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertSwapRequest(ctx, r); err != nil {
			return err
		}
		if err := tx.ClaimItems(ctx, r.ID, r.ItemIDs()); err != nil {
			return err
		}

		ev := newEvent(EventCreated, "", r, requesterID, now)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		created, event = r, ev
		return nil
	})
	if err != nil {
		return nil, s.reject(ctx, span, "create", uuid.Nil, err)
	}

	s.committed(ctx, span, event, RoleRequester)
	return created, nil
}

func (s *service) validateCreate(requestedItemID, requesterID, offeredItemID uuid.UUID, message string) error {
	if requestedItemID == uuid.Nil || requesterID == uuid.Nil || offeredItemID == uuid.Nil {
		return fmt.Errorf("%w: requested item, requester and offered item are required", ErrValidation)
	}
	if requestedItemID == offeredItemID {
		return fmt.Errorf("%w: item %s cannot be swapped for itself", ErrSelfSwap, requestedItemID)
	}
	if utf8.RuneCountInString(message) > MaxMessageLength {
		return fmt.Errorf("%w: message longer than %d characters", ErrValidation, MaxMessageLength)
	}
	return nil
}

// AcceptSwapRequest accepts the current proposal. The owner accepts a pending
// request; the requester accepts a counter-offer.
func (s *service) AcceptSwapRequest(ctx context.Context, requestID, actorID uuid.UUID) (*SwapRequest, error) {
	return s.transition(ctx, "accept", requestID, actorID, StatusAccepted,
		func(ctx context.Context, tx Tx, r *SwapRequest, role Role) (EventKind, error) {
			switch {
			case r.Status == StatusPending && role == RoleOwner:
				if err := s.checkHeld(ctx, tx, r.RequestedItemID, r.OwnerID); err != nil {
					return "", err
				}
				if r.OfferedItemID == nil {
					return "", fmt.Errorf("%w: swap request %s has no offered item", ErrMissingOffer, r.ID)
				}
				if err := s.checkHeld(ctx, tx, *r.OfferedItemID, r.RequesterID); err != nil {
					return "", err
				}
			case r.Status == StatusCounterOffer && role == RoleRequester:
				counter := r.AgreedItemID()
				if counter == nil {
					return "", fmt.Errorf("%w: swap request %s has no counter item", ErrMissingOffer, r.ID)
				}
				if err := s.checkHeld(ctx, tx, *counter, r.RequesterID); err != nil {
					return "", err
				}
				if err := s.checkHeld(ctx, tx, r.RequestedItemID, r.OwnerID); err != nil {
					return "", err
				}
			default:
				return "", s.illegal(r, StatusAccepted, role, acceptReason(r.Status, role))
			}
			r.Status = StatusAccepted
			return EventAccepted, nil
		})
}

func acceptReason(status Status, role Role) string {
	switch {
	case status == StatusPending:
		return "only the owner can accept a pending request"
	case status == StatusCounterOffer:
		return "only the requester can accept a counter-offer"
	}
	return ""
}

// MakeCounterOffer lets the owner ask for a different book of the requester's
// in place of the original offer.
func (s *service) MakeCounterOffer(ctx context.Context, requestID, actorID, counterItemID uuid.UUID) (*SwapRequest, error) {
	if counterItemID == uuid.Nil {
		return nil, s.rejectEarly(ctx, "counter_offer", requestID, fmt.Errorf("%w: counter item is required", ErrValidation))
	}
	return s.transition(ctx, "counter_offer", requestID, actorID, StatusCounterOffer,
		func(ctx context.Context, tx Tx, r *SwapRequest, role Role) (EventKind, error) {
			if r.Status != StatusPending {
				return "", s.illegal(r, StatusCounterOffer, role, "")
			}
			if role != RoleOwner {
				return "", s.illegal(r, StatusCounterOffer, role, "only the owner can make a counter-offer")
			}
			if counterItemID == r.RequestedItemID {
				return "", fmt.Errorf("%w: item %s cannot be swapped for itself", ErrSelfSwap, counterItemID)
			}
			if r.OfferedItemID != nil && counterItemID == *r.OfferedItemID {
				return "", fmt.Errorf("%w: counter item %s is the item already offered", ErrValidation, counterItemID)
			}

			item, err := tx.GetItem(ctx, counterItemID)
			if err != nil {
				return "", err
			}
			if item.OwnerID != r.RequesterID {
				return "", unavailable(counterItemID, "is not owned by the requester")
			}
			if !item.IsAvailable {
				return "", unavailable(counterItemID, "is not available")
			}
			if err := tx.ClaimItems(ctx, r.ID, []uuid.UUID{counterItemID}); err != nil {
				return "", err
			}

			counter := counterItemID
			r.CounterOfferedItemID = &counter
			r.Status = StatusCounterOffer
			return EventCountered, nil
		})
}

// CancelSwapRequest ends a negotiation that has not been accepted yet.
func (s *service) CancelSwapRequest(ctx context.Context, requestID, actorID uuid.UUID) (*SwapRequest, error) {
	return s.transition(ctx, "cancel", requestID, actorID, StatusCancelled,
		func(ctx context.Context, tx Tx, r *SwapRequest, role Role) (EventKind, error) {
			if r.Status != StatusPending && r.Status != StatusCounterOffer {
				return "", s.illegal(r, StatusCancelled, role, "")
			}
			cancelledBy := actorID
			r.CancelledBy = &cancelledBy
			r.Status = StatusCancelled
			return EventCancelled, nil
		})
}

// CompleteSwapRequest completes an accepted swap and exchanges ownership of
// the agreed books. Against an already completed request it records the
// other party's rating without touching ownership.
func (s *service) CompleteSwapRequest(ctx context.Context, requestID, actorID uuid.UUID, rating int, feedback string) (*SwapRequest, error) {
	if rating < MinRating || rating > MaxRating {
		return nil, s.rejectEarly(ctx, "complete", requestID, fmt.Errorf("%w: rating %d outside [%d,%d]", ErrValidation, rating, MinRating, MaxRating))
	}
	if utf8.RuneCountInString(feedback) > MaxFeedbackLength {
		return nil, s.rejectEarly(ctx, "complete", requestID, fmt.Errorf("%w: feedback longer than %d characters", ErrValidation, MaxFeedbackLength))
	}

	return s.transition(ctx, "complete", requestID, actorID, StatusCompleted,
		func(ctx context.Context, tx Tx, r *SwapRequest, role Role) (EventKind, error) {
			switch r.Status {
			case StatusAccepted:
				completedAt := s.now().UTC()
				r.recordFeedback(role, rating, feedback)
				r.CompletionDate = &completedAt
				r.Status = StatusCompleted
				return EventCompleted, nil
			case StatusCompleted:
				if r.hasRated(role) {
					return "", s.illegal(r, StatusCompleted, role, "feedback already recorded")
				}
				r.recordFeedback(role, rating, feedback)
				return EventFeedback, nil
			}
			return "", s.illegal(r, StatusCompleted, role, "")
		})
}

// GetSwapRequest returns a request by id.
func (s *service) GetSwapRequest(ctx context.Context, requestID uuid.UUID) (*SwapRequest, error) {
	ctx, span := s.tracer.Start(ctx, "swap.get",
		trace.WithAttributes(attribute.String("swap.request_id", requestID.String())),
	)
	defer span.End()

	r, err := s.store.GetSwapRequest(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return r, nil
}

// History returns the audit trail of a request.
func (s *service) History(ctx context.Context, requestID uuid.UUID) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "swap.history",
		trace.WithAttributes(attribute.String("swap.request_id", requestID.String())),
	)
	defer span.End()

	if _, err := s.store.GetSwapRequest(ctx, requestID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	events, err := s.store.History(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return events, nil
}

// applyFunc validates a transition against the current request and mutates
// r into the next state. It runs inside the transaction.
type applyFunc func(ctx context.Context, tx Tx, r *SwapRequest, role Role) (EventKind, error)

// transition runs one state machine step as a single unit of work:
// read, validate and mutate, conditional write, transfer when entering
// COMPLETED, claim release when entering a terminal state, audit event.
// The event is emitted only after commit.
func (s *service) transition(ctx context.Context, op string, requestID, actorID uuid.UUID, to Status, apply applyFunc) (*SwapRequest, error) {
	ctx, span := s.tracer.Start(ctx, "swap."+op,
		trace.WithAttributes(
			attribute.String("swap.request_id", requestID.String()),
			attribute.String("swap.actor", actorID.String()),
			attribute.String("swap.to", string(to)),
		),
	)
	defer span.End()

	var (
		result *SwapRequest
		event  Event
		role   Role
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetSwapRequest(ctx, requestID)
		if err != nil {
			return err
		}
		role = current.RoleOf(actorID)
		if role == RoleNone {
			return unauthorized(actorID, requestID)
		}

		next := current.clone()
		kind, err := apply(ctx, tx, next, role)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		next.Version = current.Version + 1
		next.UpdatedAt = now

		n, err := tx.UpdateSwapRequest(ctx, next, current.Version)
		if err != nil {
			return err
		}
		if n == 0 {
			return s.stale(ctx, tx, current, to, role)
		}

		if current.Status != StatusCompleted && next.Status == StatusCompleted {
			if err := s.transferOwnership(ctx, tx, next); err != nil {
				return err
			}
		}
		if !current.Status.Terminal() && next.Status.Terminal() {
			if err := tx.ReleaseItems(ctx, next.ID); err != nil {
				return err
			}
		}

		ev := newEvent(kind, current.Status, next, actorID, now)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		result, event = next, ev
		return nil
	})
	if err != nil {
		return nil, s.reject(ctx, span, op, requestID, err)
	}

	s.committed(ctx, span, event, role)
	return result, nil
}

// stale builds the error for a conditional write that matched no row: some
// other transaction moved the request first.
func (s *service) stale(ctx context.Context, tx Tx, read *SwapRequest, to Status, role Role) error {
	from := read.Status
	if latest, err := tx.GetSwapRequest(ctx, read.ID); err == nil {
		from = latest.Status
	}
	return &TransitionError{
		RequestID: read.ID,
		From:      from,
		To:        to,
		Role:      role,
		Reason:    "request was modified concurrently",
	}
}

func (s *service) illegal(r *SwapRequest, to Status, role Role, reason string) error {
	return &TransitionError{RequestID: r.ID, From: r.Status, To: to, Role: role, Reason: reason}
}

// checkHeld verifies an item is still owned by expectedOwner and listed.
func (s *service) checkHeld(ctx context.Context, tx Tx, itemID, expectedOwner uuid.UUID) error {
	item, err := tx.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.OwnerID != expectedOwner {
		return &OwnershipChangedError{ItemID: itemID, ExpectedOwner: expectedOwner}
	}
	if !item.IsAvailable {
		return unavailable(itemID, "is no longer available")
	}
	return nil
}

func (s *service) committed(ctx context.Context, span trace.Span, e Event, role Role) {
	span.SetAttributes(
		attribute.String("swap.request_id", e.RequestID.String()),
		attribute.String("swap.from", string(e.FromStatus)),
		attribute.String("swap.role", string(role)),
		attribute.Int("swap.version", e.Version),
	)
	from := string(e.FromStatus)
	if from == "" {
		from = "NONE"
	}
	transitionsTotal.WithLabelValues(from, string(e.ToStatus)).Inc()

	s.logger.InfoContext(ctx, "swap transition committed",
		"request_id", e.RequestID,
		"kind", e.Kind,
		"from", e.FromStatus,
		"to", e.ToStatus,
		"role", role,
		"version", e.Version,
	)
	s.emitter.Emit(ctx, e)
}

func (s *service) reject(ctx context.Context, span trace.Span, op string, requestID uuid.UUID, err error) error {
	span.RecordError(err)
	reason := reasonLabel(err)
	rejectionsTotal.WithLabelValues(reason).Inc()

	if Kind(err) == nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "swap operation failed", "op", op, "request_id", requestID, "error", err)
		return fmt.Errorf("swap %s: %w", op, err)
	}
	s.logger.InfoContext(ctx, "swap operation rejected", "op", op, "request_id", requestID, "reason", reason, "error", err)
	return err
}

// rejectEarly reports input that fails validation before any span is open.
func (s *service) rejectEarly(ctx context.Context, op string, requestID uuid.UUID, err error) error {
	_, span := s.tracer.Start(ctx, "swap."+op)
	defer span.End()
	return s.reject(ctx, span, op, requestID, err)
}

// limiterSet holds one token bucket per requester.
type limiterSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	byActor map[uuid.UUID]*rate.Limiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{limit: limit, burst: burst, byActor: make(map[uuid.UUID]*rate.Limiter)}
}

func (l *limiterSet) allow(actorID uuid.UUID) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.byActor[actorID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byActor[actorID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
