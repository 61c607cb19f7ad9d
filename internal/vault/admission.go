package vault

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/scarvault/scarvault/internal/domain"
)

const (
	// FrictionThreshold gates immediate insertion of a routed mark.
	FrictionThreshold = 0.5
	// MaxAdmissionDelays is the number of friction delays tolerated before a
	// mark is force-admitted.
	MaxAdmissionDelays = 2
	// BurstReductionFactor is the one-time feature penalty applied on forced
	// admission under pressure.
	BurstReductionFactor = 0.95
	// SimultaneousAngleWindow is the angle difference under which two marks
	// arriving in the same cycle contend for admission order.
	SimultaneousAngleWindow = 15.0
)

// Placement records where an admitted mark landed.
type Placement struct {
	Mark      *domain.Mark
	Partition domain.PartitionID
	Burst     bool
}

// AdmissionController decides whether a routed mark is admitted immediately
// or held for bounded retries. Submitters never block: a held mark is retried
// on subsequent cycles and is guaranteed eventual admission, degraded only by
// the burst feature penalty.
type AdmissionController struct {
	arrivals []*domain.Mark // submitted since the last cycle
	held     []*domain.Mark // delayed by friction, retried each cycle
	deferred []*domain.Mark // simultaneous-arrival losers, admitted next cycle
}

func NewAdmissionController() *AdmissionController {
	return &AdmissionController{}
}

// Enqueue accepts a validated mark for processing on the next cycle.
func (c *AdmissionController) Enqueue(m *domain.Mark) {
	c.arrivals = append(c.arrivals, m)
}

// Has reports whether an identity is waiting anywhere in the controller.
func (c *AdmissionController) Has(id uuid.UUID) bool {
	for _, q := range [][]*domain.Mark{c.arrivals, c.held, c.deferred} {
		for _, m := range q {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// PendingCount is the number of marks awaiting placement.
func (c *AdmissionController) PendingCount() int {
	return len(c.arrivals) + len(c.held) + len(c.deferred)
}

// FrictionScore combines the partitions' angle and entropy disagreement.
func FrictionScore(a, b *Partition) float64 {
	return 0.7*math.Abs(a.MeanAngle()-b.MeanAngle()) +
		0.3*math.Abs(a.EntropySum()-b.EntropySum())
}

// Process runs one admission cycle: simultaneous-arrival tie-breaking over
// this cycle's arrivals, then friction gating per candidate. Returns the
// placements performed. While the partitions are locked by the fracture
// controller nothing is admitted and no delay penalties accrue.
func (c *AdmissionController) Process(cycle int64, router *Router, a, b *Partition) []Placement {
	arrivals := c.arrivals
	c.arrivals = nil

	// Losers of the same-cycle contention sit out exactly one cycle.
	arrivals, nextDeferred := splitSimultaneous(arrivals)

	candidates := append(append(c.deferred, c.held...), arrivals...)
	c.held = nil
	c.deferred = nextDeferred

	if a.Locked() || b.Locked() {
		c.held = append(c.held, candidates...)
		return nil
	}

	var placed []Placement
	for _, m := range candidates {
		target := router.Route(m, a, b)

		if FrictionScore(a, b) > FrictionThreshold {
			if m.DelayCount < MaxAdmissionDelays {
				m.DelayCount++
				c.held = append(c.held, m)
				continue
			}
			// Forced admission: reduce every feature once and recompute the
			// angle from the reduced expression before inserting.
			m.Expression.Scale(BurstReductionFactor)
			if len(m.Expression) > 0 {
				m.Angle = domain.ExpressionAngle(m.Expression)
			}
			m.ReflectionCount++
			c.insert(m, target, cycle, a, b)
			placed = append(placed, Placement{Mark: m, Partition: target, Burst: true})
			continue
		}

		c.insert(m, target, cycle, a, b)
		placed = append(placed, Placement{Mark: m, Partition: target})
	}
	return placed
}

func (c *AdmissionController) insert(m *domain.Mark, target domain.PartitionID, cycle int64, a, b *Partition) {
	m.AdmittedCycle = cycle
	m.LastReinforcedCycle = cycle
	if target == domain.PartitionA {
		a.Insert(m)
	} else {
		b.Insert(m)
	}
}

// splitSimultaneous resolves near-simultaneous arrivals: for any pair in the
// same cycle whose angles differ by less than the window, the mark with the
// earlier creation timestamp is admitted this cycle and the other is deferred
// exactly one cycle. Resolution is deterministic for a fixed arrival set.
func splitSimultaneous(arrivals []*domain.Mark) (admit, deferred []*domain.Mark) {
	if len(arrivals) < 2 {
		return arrivals, nil
	}

	sorted := append([]*domain.Mark(nil), arrivals...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	losers := make(map[uuid.UUID]bool)
	for i, m := range sorted {
		if losers[m.ID] {
			continue
		}
		for _, other := range sorted[i+1:] {
			if losers[other.ID] {
				continue
			}
			if math.Abs(m.Angle-other.Angle) < SimultaneousAngleWindow {
				losers[other.ID] = true
			}
		}
	}

	for _, m := range sorted {
		if losers[m.ID] {
			deferred = append(deferred, m)
		} else {
			admit = append(admit, m)
		}
	}
	return admit, deferred
}
