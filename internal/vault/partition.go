package vault

import (
	"github.com/google/uuid"
	"github.com/scarvault/scarvault/internal/domain"
)

// DefaultCapacity is the per-partition ceiling used when none is configured.
const DefaultCapacity = 10000

// Partition owns a bounded arena of active marks plus derived aggregates.
// The aggregates are caches over the active set: they are maintained
// incrementally on insert/remove and can always be rebuilt from scratch.
// A partition is mutated by exactly one logical actor per cycle.
type Partition struct {
	id       domain.PartitionID
	capacity int
	marks    map[uuid.UUID]*domain.Mark

	entropySum float64
	angleSum   float64

	locked bool
}

func NewPartition(id domain.PartitionID, capacity int) *Partition {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Partition{
		id:       id,
		capacity: capacity,
		marks:    make(map[uuid.UUID]*domain.Mark),
	}
}

func (p *Partition) ID() domain.PartitionID { return p.id }
func (p *Partition) Count() int             { return len(p.marks) }
func (p *Partition) Capacity() int          { return p.capacity }
func (p *Partition) EntropySum() float64    { return p.entropySum }
func (p *Partition) Locked() bool           { return p.locked }

// MeanAngle is the arithmetic mean of active marks' angles; zero when empty.
func (p *Partition) MeanAngle() float64 {
	if len(p.marks) == 0 {
		return 0
	}
	return p.angleSum / float64(len(p.marks))
}

// Stress is active count over capacity; the fracture trigger input.
func (p *Partition) Stress() float64 {
	return float64(len(p.marks)) / float64(p.capacity)
}

func (p *Partition) Get(id uuid.UUID) (*domain.Mark, bool) {
	m, ok := p.marks[id]
	return m, ok
}

func (p *Partition) Has(id uuid.UUID) bool {
	_, ok := p.marks[id]
	return ok
}

// Insert adds a mark to the active set and folds it into the aggregates.
// Duplicate identifiers are rejected by the manager before routing, so a
// second insert of the same id is a programming error and is ignored.
func (p *Partition) Insert(m *domain.Mark) {
	if _, ok := p.marks[m.ID]; ok {
		return
	}
	p.marks[m.ID] = m
	p.entropySum += m.PostEntropy
	p.angleSum += m.Angle
}

// Remove detaches a mark from the active set, unwinding its aggregate
// contribution, and returns it.
func (p *Partition) Remove(id uuid.UUID) *domain.Mark {
	m, ok := p.marks[id]
	if !ok {
		return nil
	}
	delete(p.marks, id)
	p.entropySum -= m.PostEntropy
	p.angleSum -= m.Angle
	return m
}

// Each visits every active mark. The callback must not insert or remove.
func (p *Partition) Each(fn func(*domain.Mark)) {
	for _, m := range p.marks {
		fn(m)
	}
}

// Marks returns the active marks as a slice in map order.
func (p *Partition) Marks() []*domain.Mark {
	out := make([]*domain.Mark, 0, len(p.marks))
	for _, m := range p.marks {
		out = append(out, m)
	}
	return out
}

func (p *Partition) Lock()   { p.locked = true }
func (p *Partition) Unlock() { p.locked = false }

// Recompute rebuilds the aggregate caches from the active set. Used by the
// optimizer's index-rebuild pass and after a restart restore, so float drift
// from long incremental runs never accumulates.
func (p *Partition) Recompute() {
	p.entropySum = 0
	p.angleSum = 0
	for _, m := range p.marks {
		p.entropySum += m.PostEntropy
		p.angleSum += m.Angle
	}
}

// Snapshot returns a consistent copy of the partition's telemetry.
func (p *Partition) Snapshot() domain.PartitionTelemetry {
	return domain.PartitionTelemetry{
		Partition:   p.id,
		ActiveCount: len(p.marks),
		Capacity:    p.capacity,
		EntropySum:  p.entropySum,
		MeanAngle:   p.MeanAngle(),
		StressIndex: p.Stress(),
		Locked:      p.locked,
	}
}
