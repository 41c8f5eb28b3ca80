// internal/swap/metrics.go
package swap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookswap",
		Subsystem: "swap",
		Name:      "transitions_total",
		Help:      "Committed swap request transitions.",
	}, []string{"from", "to"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookswap",
		Subsystem: "swap",
		Name:      "rejections_total",
		Help:      "Swap operations rejected, by error kind.",
	}, []string{"reason"})

	transfersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookswap",
		Name:      "ownership_transfers_total",
		Help:      "Two-leg ownership exchanges written inside a completing transaction.",
	})

	transferConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookswap",
		Name:      "ownership_conflicts_total",
		Help:      "Transfers rejected because an item owner no longer matched.",
	})
)

func reasonLabel(err error) string {
	switch Kind(err) {
	case ErrNotFound:
		return "not_found"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrItemUnavailable:
		return "item_unavailable"
	case ErrSelfSwap:
		return "self_swap"
	case ErrItemConflict:
		return "item_conflict"
	case ErrOwnershipChanged:
		return "ownership_changed"
	case ErrValidation:
		return "validation"
	case ErrMissingOffer:
		return "missing_offer"
	case ErrIdenticalItems:
		return "identical_items"
	case ErrRateLimited:
		return "rate_limited"
	}
	return "internal"
}
