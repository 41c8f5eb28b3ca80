// internal/swap/errors.go
package swap

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrItemUnavailable   = errors.New("item unavailable")
	ErrSelfSwap          = errors.New("self swap")
	ErrItemConflict      = errors.New("item already in a live swap request")
	ErrOwnershipChanged  = errors.New("ownership changed")
	ErrValidation        = errors.New("validation error")
	ErrMissingOffer      = errors.New("missing offer")
	ErrIdenticalItems    = errors.New("identical items")
	ErrRateLimited       = errors.New("rate limited")
)

// domainErrors are the rejections a caller is expected to handle; anything
// else returned by the service is an infrastructure failure.
var domainErrors = []error{
	ErrNotFound,
	ErrUnauthorized,
	ErrInvalidTransition,
	ErrItemUnavailable,
	ErrSelfSwap,
	ErrItemConflict,
	ErrOwnershipChanged,
	ErrValidation,
	ErrMissingOffer,
	ErrIdenticalItems,
	ErrRateLimited,
}

// Kind returns the sentinel an error belongs to, or nil for infrastructure
// failures.
func Kind(err error) error {
	for _, kind := range domainErrors {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// TransitionError rejects a transition that is not legal from the current
// status for the actor's role.
type TransitionError struct {
	RequestID uuid.UUID
	From      Status
	To        Status
	Role      Role
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: swap request %s cannot move from %s to %s as %s", e.RequestID, e.From, e.To, e.Role)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// OwnershipChangedError reports that an item's owner no longer matches what
// the negotiation recorded.
type OwnershipChangedError struct {
	ItemID        uuid.UUID
	ExpectedOwner uuid.UUID
}

func (e *OwnershipChangedError) Error() string {
	return fmt.Sprintf("ownership changed: item %s is no longer owned by %s", e.ItemID, e.ExpectedOwner)
}

func (e *OwnershipChangedError) Unwrap() error { return ErrOwnershipChanged }

func unavailable(id uuid.UUID, why string) error {
	return fmt.Errorf("%w: item %s %s", ErrItemUnavailable, id, why)
}

func unauthorized(actorID, requestID uuid.UUID) error {
	return fmt.Errorf("%w: actor %s is not a participant of swap request %s", ErrUnauthorized, actorID, requestID)
}
