// internal/swap/domain.go
package swap

import (
	"time"

	"github.com/google/uuid"
)

// Status is the negotiation state of a SwapRequest.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusCounterOffer Status = "COUNTER_OFFER"
	StatusAccepted     Status = "ACCEPTED"
	StatusCancelled    Status = "CANCELLED"
	StatusCompleted    Status = "COMPLETED"
)

// Live reports whether a request in this status still holds its items.
func (s Status) Live() bool {
	switch s {
	case StatusPending, StatusCounterOffer, StatusAccepted:
		return true
	}
	return false
}

// Terminal reports whether no further negotiation is possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Role is the part an actor plays in a particular SwapRequest.
type Role string

const (
	RoleRequester Role = "requester"
	RoleOwner     Role = "owner"
	RoleNone      Role = "none"
)

// Item is the store's view of a book: who owns it and whether it is listed.
type Item struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	IsAvailable bool      `json:"is_available"`
}

// SwapRequest is the negotiation record between a requester and the owner of
// the requested book.
type SwapRequest struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	RequestedItemID      uuid.UUID  `json:"requested_item_id" db:"requested_item_id"`
	RequesterID          uuid.UUID  `json:"requester_id" db:"requester_id"`
	OwnerID              uuid.UUID  `json:"owner_id" db:"owner_id"`
	OfferedItemID        *uuid.UUID `json:"offered_item_id" db:"offered_item_id"`
	CounterOfferedItemID *uuid.UUID `json:"counter_offered_item_id,omitempty" db:"counter_offered_item_id"`
	Status               Status     `json:"status" db:"status"`
	Message              string     `json:"message,omitempty" db:"message"`
	CancelledBy          *uuid.UUID `json:"cancelled_by,omitempty" db:"cancelled_by"`
	RequesterRating      *int       `json:"requester_rating,omitempty" db:"requester_rating"`
	OwnerRating          *int       `json:"owner_rating,omitempty" db:"owner_rating"`
	RequesterFeedback    *string    `json:"requester_feedback,omitempty" db:"requester_feedback"`
	OwnerFeedback        *string    `json:"owner_feedback,omitempty" db:"owner_feedback"`
	CompletionDate       *time.Time `json:"completion_date,omitempty" db:"completion_date"`
	Version              int        `json:"version" db:"version"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// RoleOf returns the role actorID plays in the request.
func (r *SwapRequest) RoleOf(actorID uuid.UUID) Role {
	switch actorID {
	case r.RequesterID:
		return RoleRequester
	case r.OwnerID:
		return RoleOwner
	}
	return RoleNone
}

// AgreedItemID is the item that moves to the owner on completion: the
// counter-offer when one was made, otherwise the original offer.
func (r *SwapRequest) AgreedItemID() *uuid.UUID {
	if r.CounterOfferedItemID != nil {
		return r.CounterOfferedItemID
	}
	return r.OfferedItemID
}

// ItemIDs lists every item the request references.
func (r *SwapRequest) ItemIDs() []uuid.UUID {
	ids := []uuid.UUID{r.RequestedItemID}
	if r.OfferedItemID != nil {
		ids = append(ids, *r.OfferedItemID)
	}
	if r.CounterOfferedItemID != nil {
		ids = append(ids, *r.CounterOfferedItemID)
	}
	return ids
}

// hasRated reports whether the party in role already left a rating.
func (r *SwapRequest) hasRated(role Role) bool {
	if role == RoleRequester {
		return r.RequesterRating != nil
	}
	return r.OwnerRating != nil
}

func (r *SwapRequest) recordFeedback(role Role, rating int, feedback string) {
	var fb *string
	if feedback != "" {
		fb = &feedback
	}
	if role == RoleRequester {
		r.RequesterRating = &rating
		r.RequesterFeedback = fb
		return
	}
	r.OwnerRating = &rating
	r.OwnerFeedback = fb
}

func (r *SwapRequest) clone() *SwapRequest {
	c := *r
	return &c
}

// EventKind classifies a committed transition for notification purposes.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventAccepted  EventKind = "accepted"
	EventCountered EventKind = "countered"
	EventCancelled EventKind = "cancelled"
	EventCompleted EventKind = "completed"
	EventFeedback  EventKind = "feedback"
)

// Event is the fact emitted after a transition commits. FromStatus is empty
// for the creation event.
type Event struct {
	RequestID            uuid.UUID  `json:"request_id"`
	Kind                 EventKind  `json:"kind"`
	FromStatus           Status     `json:"from_status,omitempty"`
	ToStatus             Status     `json:"to_status"`
	ActorID              uuid.UUID  `json:"actor_id"`
	RequestedItemID      uuid.UUID  `json:"requested_item_id"`
	OfferedItemID        *uuid.UUID `json:"offered_item_id,omitempty"`
	CounterOfferedItemID *uuid.UUID `json:"counter_offered_item_id,omitempty"`
	CancelledBy          *uuid.UUID `json:"cancelled_by,omitempty"`
	Version              int        `json:"version"`
	OccurredAt           time.Time  `json:"occurred_at"`
}

func newEvent(kind EventKind, from Status, r *SwapRequest, actorID uuid.UUID, at time.Time) Event {
	return Event{
		RequestID:            r.ID,
		Kind:                 kind,
		FromStatus:           from,
		ToStatus:             r.Status,
		ActorID:              actorID,
		RequestedItemID:      r.RequestedItemID,
		OfferedItemID:        r.OfferedItemID,
		CounterOfferedItemID: r.CounterOfferedItemID,
		CancelledBy:          r.CancelledBy,
		Version:              r.Version,
		OccurredAt:           at,
	}
}

// EventType is the event-store name for an event kind.
func (k EventKind) EventType() string {
	switch k {
	case EventCreated:
		return "SwapRequested"
	case EventAccepted:
		return "SwapAccepted"
	case EventCountered:
		return "SwapCounterOffered"
	case EventCancelled:
		return "SwapCancelled"
	case EventCompleted:
		return "SwapCompleted"
	case EventFeedback:
		return "SwapFeedbackLeft"
	}
	return "SwapUnknown"
}

// AggregateType names swap requests in the event store.
const AggregateType = "swap_request"
