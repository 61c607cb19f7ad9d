package vault

import (
	"sort"

	"github.com/google/uuid"
	"github.com/scarvault/scarvault/internal/domain"
)

const (
	// StressThreshold triggers the fracture cycle.
	StressThreshold = 0.8
	// IsolationCycles is the fixed, non-cancellable isolation hold.
	IsolationCycles = 3
	// shedTopFraction selects the ranking slice; shedRerouteFraction is the
	// share of that slice rerouted to the fallback queue.
	shedTopFraction     = 0.10
	shedRerouteFraction = 0.20
	// DrainPerCycle caps reintegration after isolation expires.
	DrainPerCycle = 50
)

type FractureState string

const (
	FractureNormal   FractureState = "normal"
	FractureIsolated FractureState = "isolated"
)

// FractureEvent records one lock-and-shed execution.
type FractureEvent struct {
	Partition domain.PartitionID
	Stress    float64
	Shed      []Removal
}

// FractureController monitors per-partition stress and executes the
// lock → shed → isolate → reintegrate cycle under overload. It is the only
// component allowed to lock or unlock a partition.
type FractureController struct {
	state              FractureState
	isolationRemaining int
	fallback           []*domain.Mark
}

func NewFractureController() *FractureController {
	return &FractureController{state: FractureNormal}
}

func (f *FractureController) State() FractureState { return f.state }
func (f *FractureController) FallbackDepth() int   { return len(f.fallback) }

// FallbackHas reports whether an identity is waiting in the fallback queue.
func (f *FractureController) FallbackHas(id uuid.UUID) bool {
	for _, m := range f.fallback {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Enqueue appends directly to the fallback queue. Used by restart restore.
func (f *FractureController) Enqueue(m *domain.Mark) {
	f.fallback = append(f.fallback, m)
}

// Check evaluates the stress trigger and, when it fires, executes the strict
// order: lock both partitions, rank the stressed partition's actives by
// delta-entropy descending, reroute 20% of the top 10% to the fallback
// queue, then hold isolation for exactly three cycles.
func (f *FractureController) Check(a, b *Partition) *FractureEvent {
	if f.state != FractureNormal {
		return nil
	}

	stressed := a
	if b.Stress() > a.Stress() {
		stressed = b
	}
	if stressed.Stress() <= StressThreshold {
		return nil
	}

	a.Lock()
	b.Lock()

	marks := stressed.Marks()
	sort.Slice(marks, func(i, j int) bool {
		if marks[i].DeltaEntropy != marks[j].DeltaEntropy {
			return marks[i].DeltaEntropy > marks[j].DeltaEntropy
		}
		// Stable order for equal signals.
		return marks[i].ID.String() < marks[j].ID.String()
	})

	topN := int(float64(len(marks)) * shedTopFraction)
	shedN := int(float64(topN) * shedRerouteFraction)

	event := &FractureEvent{Partition: stressed.ID(), Stress: stressed.Stress()}
	for _, m := range marks[:shedN] {
		stressed.Remove(m.ID)
		f.fallback = append(f.fallback, m)
		event.Shed = append(event.Shed, Removal{
			Mark:      m,
			Partition: stressed.ID(),
			State:     domain.StateFallback,
		})
	}

	f.state = FractureIsolated
	f.isolationRemaining = IsolationCycles
	return event
}

// Advance runs at the start of each cycle: counts down isolation, unlocks on
// expiry, and once back to normal drains the fallback queue FIFO through
// normal routing at the throttled rate.
func (f *FractureController) Advance(cycle int64, router *Router, a, b *Partition) []Placement {
	if f.state == FractureIsolated {
		f.isolationRemaining--
		if f.isolationRemaining > 0 {
			return nil
		}
		a.Unlock()
		b.Unlock()
		f.state = FractureNormal
	}

	if len(f.fallback) == 0 || a.Locked() || b.Locked() {
		return nil
	}

	n := DrainPerCycle
	if n > len(f.fallback) {
		n = len(f.fallback)
	}
	batch := f.fallback[:n]
	f.fallback = append([]*domain.Mark(nil), f.fallback[n:]...)

	placed := make([]Placement, 0, n)
	for _, m := range batch {
		target := router.Route(m, a, b)
		m.ReflectionCount++ // a reintegration hop
		m.AdmittedCycle = cycle
		if target == domain.PartitionA {
			a.Insert(m)
		} else {
			b.Insert(m)
		}
		placed = append(placed, Placement{Mark: m, Partition: target})
	}
	return placed
}
