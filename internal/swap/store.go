// internal/swap/store.go
package swap

import (
	"context"

	"github.com/google/uuid"
)

// Store is durable storage for swap requests and the books they reference.
type Store interface {
	// RunInTx runs fn in a single unit of work. If fn returns an error
	// nothing fn wrote is kept. Implementations may run fn more than once
	// when the backend reports a retryable conflict.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetSwapRequest(ctx context.Context, id uuid.UUID) (*SwapRequest, error)

	// History returns the committed events of a request, oldest first.
	History(ctx context.Context, id uuid.UUID) ([]Event, error)
}

// Tx is the set of reads and writes available inside a unit of work.
//
// Missing rows are reported as errors wrapping ErrNotFound. ClaimItems fails
// with an error wrapping ErrItemConflict when another request holds a claim.
type Tx interface {
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)

	// TransferOwnership sets the owner of an item to newOwner only if it is
	// currently expectedOwner, and reports the number of rows changed.
	TransferOwnership(ctx context.Context, itemID, expectedOwner, newOwner uuid.UUID, available bool) (int64, error)

	GetSwapRequest(ctx context.Context, id uuid.UUID) (*SwapRequest, error)
	InsertSwapRequest(ctx context.Context, r *SwapRequest) error

	// UpdateSwapRequest writes r only if the stored version still equals
	// expectedVersion, and reports the number of rows changed.
	UpdateSwapRequest(ctx context.Context, r *SwapRequest, expectedVersion int) (int64, error)

	ClaimItems(ctx context.Context, requestID uuid.UUID, itemIDs []uuid.UUID) error
	ReleaseItems(ctx context.Context, requestID uuid.UUID) error

	AppendEvent(ctx context.Context, e Event) error
}
