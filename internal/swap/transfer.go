// internal/swap/transfer.go
package swap

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AvailableAfterTransfer is the listing state of both books once a swap
// completes: unlisted until the new owner re-lists them.
const AvailableAfterTransfer = false

// transferOwnership exchanges ownership of the requested book and the agreed
// book of r. Each leg is a write conditioned on the owner the negotiation
// recorded; a leg that matches no row aborts the enclosing transaction with
// an OwnershipChangedError, so either both legs apply or neither does.
func (s *service) transferOwnership(ctx context.Context, tx Tx, r *SwapRequest) error {
	ctx, span := s.tracer.Start(ctx, "swap.transfer",
		trace.WithAttributes(
			attribute.String("swap.request_id", r.ID.String()),
			attribute.String("swap.requested_item", r.RequestedItemID.String()),
		),
	)
	defer span.End()

	agreed := r.AgreedItemID()
	if agreed == nil {
		return fmt.Errorf("%w: swap request %s has no offered item", ErrMissingOffer, r.ID)
	}
	if *agreed == r.RequestedItemID {
		return fmt.Errorf("%w: swap request %s exchanges item %s for itself", ErrIdenticalItems, r.ID, *agreed)
	}
	span.SetAttributes(attribute.String("swap.agreed_item", agreed.String()))

	legs := []struct {
		item  fmt.Stringer
		apply func() (int64, error)
		err   *OwnershipChangedError
	}{
		{
			item: r.RequestedItemID,
			apply: func() (int64, error) {
				return tx.TransferOwnership(ctx, r.RequestedItemID, r.OwnerID, r.RequesterID, AvailableAfterTransfer)
			},
			err: &OwnershipChangedError{ItemID: r.RequestedItemID, ExpectedOwner: r.OwnerID},
		},
		{
			item: *agreed,
			apply: func() (int64, error) {
				return tx.TransferOwnership(ctx, *agreed, r.RequesterID, r.OwnerID, AvailableAfterTransfer)
			},
			err: &OwnershipChangedError{ItemID: *agreed, ExpectedOwner: r.RequesterID},
		},
	}

	for _, leg := range legs {
		n, err := leg.apply()
		if err != nil {
			return fmt.Errorf("transfer item %s: %w", leg.item, err)
		}
		if n == 0 {
			transferConflictsTotal.Inc()
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return leg.err
		}
	}

	transfersTotal.Inc()
	return nil
}
