// internal/swap/service.go
package swap

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the operations of the swap negotiation state machine.
// Every mutating call is one atomic unit of work.
type Service interface {
	CreateSwapRequest(ctx context.Context, requestedItemID, requesterID, offeredItemID uuid.UUID, message string) (*SwapRequest, error)
	AcceptSwapRequest(ctx context.Context, requestID, actorID uuid.UUID) (*SwapRequest, error)
	MakeCounterOffer(ctx context.Context, requestID, actorID, counterItemID uuid.UUID) (*SwapRequest, error)
	CancelSwapRequest(ctx context.Context, requestID, actorID uuid.UUID) (*SwapRequest, error)
	CompleteSwapRequest(ctx context.Context, requestID, actorID uuid.UUID, rating int, feedback string) (*SwapRequest, error)
	GetSwapRequest(ctx context.Context, requestID uuid.UUID) (*SwapRequest, error)
	History(ctx context.Context, requestID uuid.UUID) ([]Event, error)
}

// Emitter receives an event for every committed transition. Emit must not
// block on delivery.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event)

func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}
