package vault

import (
	"math"

	"github.com/scarvault/scarvault/internal/domain"
)

const (
	// MutationRouteThreshold sends high-mutation marks straight to A.
	MutationRouteThreshold = 0.75
	// PolarityRouteThreshold routes on polarity sign above this magnitude.
	PolarityRouteThreshold = 0.5
	// ImbalanceThreshold activates the global rebalance override when the
	// partitions' entropy sums drift further apart than this.
	ImbalanceThreshold = 0.26
)

// Router selects a destination partition for a new mark. Routing is a pure
// function of the mark and the current partition aggregates, except for the
// rebalance override, which is re-evaluated once per maintenance cycle (not
// per insertion) to avoid oscillation.
type Router struct {
	forced       domain.PartitionID
	forcedActive bool
}

func NewRouter() *Router {
	return &Router{}
}

// Route applies the fixed priority of criteria, first match wins:
//  1. mutation frequency above 0.75 goes to A;
//  2. strong polarity routes on sign (positive to A, negative to B);
//  3. otherwise the partition whose mean angle is numerically closer wins,
//     ties favoring A.
//
// The rebalance override, when active, forces everything to the
// lower-entropy partition regardless of the above.
func (r *Router) Route(m *domain.Mark, a, b *Partition) domain.PartitionID {
	if r.forcedActive {
		return r.forced
	}

	if m.MutationFrequency > MutationRouteThreshold {
		return domain.PartitionA
	}

	if math.Abs(m.Polarity) > PolarityRouteThreshold {
		if m.Polarity > 0 {
			return domain.PartitionA
		}
		return domain.PartitionB
	}

	distA := domain.AngleDistance(a.MeanAngle(), m.Angle)
	distB := domain.AngleDistance(b.MeanAngle(), m.Angle)
	if distB < distA {
		return domain.PartitionB
	}
	return domain.PartitionA
}

// Rebalance re-evaluates the override against the current entropy imbalance.
// Called once per cycle by the manager.
func (r *Router) Rebalance(a, b *Partition) {
	diff := a.EntropySum() - b.EntropySum()
	if math.Abs(diff) <= ImbalanceThreshold {
		r.forcedActive = false
		return
	}
	r.forcedActive = true
	if diff > 0 {
		r.forced = domain.PartitionB
	} else {
		r.forced = domain.PartitionA
	}
}

// OverrideActive reports whether the rebalance override currently forces a
// destination, and which one.
func (r *Router) OverrideActive() (domain.PartitionID, bool) {
	return r.forced, r.forcedActive
}
