package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scarvault/scarvault/internal/domain"
)

const (
	// DesyncTransformFactor is the fixed expression transform applied once
	// when a mark is flagged divergent.
	DesyncTransformFactor = 0.85
	// RecompressionStreak is how many consecutive cycles a candidate pair may
	// stay above the merge floor without merging cleanly before one member is
	// split instead.
	RecompressionStreak = 3
	// FadeCycles is the fixed fade-out length of a split original.
	FadeCycles = 2
)

// Removal describes a mark leaving a partition's active set and where its
// record transitions to.
type Removal struct {
	Mark      *domain.Mark
	Partition domain.PartitionID
	State     domain.MarkState
	Reason    domain.ArchiveReason
}

// ReconcileResult summarizes one reconciliation pass for logging and
// persistence.
type ReconcileResult struct {
	Decayed     int
	Diverged    int
	Merged      int
	SplitsBegun int
	Removals    []Removal
}

type pairKey struct{ a, b uuid.UUID }

type fadeState struct {
	original    *domain.Mark
	partition   domain.PartitionID
	remaining   int
	step        float64 // weight removed from the original per cycle
	derivatives [2]*domain.Mark
}

// Reconciler detects and resolves divergence between logically-linked marks
// in different partitions: desync flagging, near-duplicate merging, conflict
// recompression, the per-cycle weight decay law, and quarantine. It is the
// only component allowed to flip the quarantine flag.
type Reconciler struct {
	// divergenceWindow is the observation-timestamp gap (two cycles' worth of
	// wall time) beyond which a doubly-observed mark is flagged divergent.
	divergenceWindow time.Duration

	pairStreak map[pairKey]int
	fades      map[uuid.UUID]*fadeState
}

func NewReconciler(divergenceWindow time.Duration) *Reconciler {
	return &Reconciler{
		divergenceWindow: divergenceWindow,
		pairStreak:       make(map[pairKey]int),
		fades:            make(map[uuid.UUID]*fadeState),
	}
}

// Reconcile runs one pass over the active set. Pairs come from the
// interference monitor's latest report.
func (r *Reconciler) Reconcile(cycle int64, a, b *Partition, inert *InertStore, pairs []domain.OverlapPair) ReconcileResult {
	res := ReconcileResult{}

	r.applyDecay(cycle, a, b, &res)
	r.detectDivergence(a, b, &res)
	r.resolvePairs(cycle, a, b, &res, pairs)
	r.advanceFades(cycle, a, b, &res)
	r.applyQuarantine(a, b, inert, &res)

	return res
}

// applyDecay evolves every active mark's weight by the exponential law.
// Marks inside a fade (the original and its derivatives) follow the linear
// fade schedule instead.
func (r *Reconciler) applyDecay(cycle int64, a, b *Partition, res *ReconcileResult) {
	decay := func(m *domain.Mark) {
		if r.inFade(m.ID) {
			return
		}
		w := m.DecayedWeight(cycle)
		if w < m.Weight {
			m.Weight = w
			res.Decayed++
		}
		if m.Divergent {
			m.DriftDepth++
		}
	}
	a.Each(decay)
	b.Each(decay)
}

func (r *Reconciler) detectDivergence(a, b *Partition, res *ReconcileResult) {
	check := func(m *domain.Mark) {
		if m.Divergent || m.PeerObservedAt == nil {
			return
		}
		gap := m.PeerObservedAt.Sub(m.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= r.divergenceWindow {
			return
		}
		// The mark stays single; the fixed transform records the
		// desynchronization in its expression.
		m.Divergent = true
		m.Expression.Scale(DesyncTransformFactor)
		m.ReflectionCount++
		res.Diverged++
	}
	a.Each(check)
	b.Each(check)
}

// resolvePairs merges clean candidate pairs and recompresses pairs that stay
// above the floor without merging cleanly.
func (r *Reconciler) resolvePairs(cycle int64, a, b *Partition, res *ReconcileResult, pairs []domain.OverlapPair) {
	seen := make(map[pairKey]bool, len(pairs))
	consumed := make(map[uuid.UUID]bool)

	for _, pair := range pairs {
		ma, okA := a.Get(pair.A)
		mb, okB := b.Get(pair.B)
		if !okA || !okB || consumed[pair.A] || consumed[pair.B] {
			continue
		}
		key := pairKey{pair.A, pair.B}
		seen[key] = true

		if r.mergeable(ma, mb) {
			r.merge(cycle, ma, mb, a, b, res)
			consumed[pair.A], consumed[pair.B] = true, true
			delete(r.pairStreak, key)
			continue
		}

		r.pairStreak[key]++
		ma.DriftDepth++
		mb.DriftDepth++

		if r.pairStreak[key] >= RecompressionStreak {
			victim, part := ma, a
			if mb.DriftDepth > ma.DriftDepth {
				victim, part = mb, b
			}
			if !r.inFade(victim.ID) && len(victim.Expression) >= 2 {
				r.beginSplit(victim, part)
				res.SplitsBegun++
			}
			delete(r.pairStreak, key)
			consumed[pair.A], consumed[pair.B] = true, true
		}
	}

	// Streaks only persist while the pair keeps reporting.
	for key := range r.pairStreak {
		if !seen[key] {
			delete(r.pairStreak, key)
		}
	}
}

// mergeable: a pair merges cleanly only when neither member is divergent,
// quarantined, or already fading out of a split.
func (r *Reconciler) mergeable(ma, mb *domain.Mark) bool {
	if ma.Divergent || mb.Divergent || ma.Quarantined || mb.Quarantined {
		return false
	}
	return !r.inFade(ma.ID) && !r.inFade(mb.ID)
}

// merge produces exactly one composite mark and archives exactly the two
// originals. The composite retains both identifiers as provenance and takes
// the later creation timestamp.
func (r *Reconciler) merge(cycle int64, ma, mb *domain.Mark, a, b *Partition, res *ReconcileResult) {
	created := ma.CreatedAt
	if mb.CreatedAt.After(created) {
		created = mb.CreatedAt
	}

	composite := &domain.Mark{
		ID:                  uuid.New(),
		Refs:                unionRefs(ma.Refs, mb.Refs),
		Reason:              fmt.Sprintf("composite of %s and %s", ma.ID, mb.ID),
		ResolverID:          "reconciler",
		CreatedAt:           created,
		PreEntropy:          (ma.PreEntropy + mb.PreEntropy) / 2,
		PostEntropy:         (ma.PostEntropy + mb.PostEntropy) / 2,
		DeltaEntropy:        (ma.DeltaEntropy + mb.DeltaEntropy) / 2,
		Angle:               (ma.Angle + mb.Angle) / 2,
		Polarity:            (ma.Polarity + mb.Polarity) / 2,
		MutationFrequency:   (ma.MutationFrequency + mb.MutationFrequency) / 2,
		Weight:              1.0,
		InitialWeight:       1.0,
		Expression:          ma.Expression.Merge(mb.Expression),
		LastReinforcedCycle: cycle,
		AdmittedCycle:       cycle,
		MergedFrom:          []uuid.UUID{ma.ID, mb.ID},
	}

	a.Remove(ma.ID)
	b.Remove(mb.ID)
	res.Removals = append(res.Removals,
		Removal{Mark: ma, Partition: a.ID(), State: domain.StateArchived, Reason: domain.ArchiveMerged},
		Removal{Mark: mb, Partition: b.ID(), State: domain.StateArchived, Reason: domain.ArchiveMerged},
	)

	// The composite lands beside the heavier original; ties favor A.
	if mb.Weight > ma.Weight {
		b.Insert(composite)
	} else {
		a.Insert(composite)
	}
	res.Merged++
}

// beginSplit creates two derivative marks carrying disjoint halves of the
// original's expression and starts the original's linear fade to zero.
func (r *Reconciler) beginSplit(victim *domain.Mark, part *Partition) {
	left, right := victim.Expression.SplitHalves()
	id := victim.ID

	derive := func(half domain.FeatureMap) *domain.Mark {
		d := &domain.Mark{
			ID:                uuid.New(),
			Refs:              append([]string(nil), victim.Refs...),
			Reason:            fmt.Sprintf("derivative of %s", victim.ID),
			ResolverID:        "reconciler",
			CreatedAt:         victim.CreatedAt,
			PreEntropy:        victim.PreEntropy,
			PostEntropy:       victim.PostEntropy,
			DeltaEntropy:      victim.DeltaEntropy,
			Angle:             domain.ExpressionAngle(half),
			Polarity:          victim.Polarity,
			MutationFrequency: victim.MutationFrequency,
			Expression:        half,
			SplitFrom:         &id,
		}
		part.Insert(d)
		return d
	}

	fade := &fadeState{
		original:    victim,
		partition:   part.ID(),
		remaining:   FadeCycles,
		step:        victim.Weight / FadeCycles,
		derivatives: [2]*domain.Mark{derive(left), derive(right)},
	}
	r.fades[victim.ID] = fade
}

// advanceFades moves every in-progress split one cycle: the original's weight
// falls linearly while the derivatives' weights rise by half the step each.
// When the original reaches zero it is archived.
func (r *Reconciler) advanceFades(cycle int64, a, b *Partition, res *ReconcileResult) {
	for id, f := range r.fades {
		f.remaining--
		f.original.Weight -= f.step
		for _, d := range f.derivatives {
			d.Weight += f.step / 2
		}

		if f.remaining > 0 {
			continue
		}
		f.original.Weight = 0

		part := a
		if f.partition == domain.PartitionB {
			part = b
		}
		part.Remove(id)
		res.Removals = append(res.Removals, Removal{
			Mark:      f.original,
			Partition: f.partition,
			State:     domain.StateArchived,
			Reason:    domain.ArchiveSplit,
		})

		for _, d := range f.derivatives {
			d.InitialWeight = d.Weight
			d.LastReinforcedCycle = cycle
		}
		delete(r.fades, id)
	}
}

// applyQuarantine moves marks whose identity distortion exceeds the
// threshold into the inert store.
func (r *Reconciler) applyQuarantine(a, b *Partition, inert *InertStore, res *ReconcileResult) {
	for _, part := range []*Partition{a, b} {
		var out []*domain.Mark
		part.Each(func(m *domain.Mark) {
			if r.inFade(m.ID) {
				return
			}
			if m.IdentityDistortion() > domain.QuarantineThreshold {
				out = append(out, m)
			}
		})
		for _, m := range out {
			part.Remove(m.ID)
			m.Quarantined = true
			inert.Add(m)
			res.Removals = append(res.Removals, Removal{
				Mark:      m,
				Partition: part.ID(),
				State:     domain.StateQuarantined,
			})
		}
	}
}

func (r *Reconciler) inFade(id uuid.UUID) bool {
	if _, ok := r.fades[id]; ok {
		return true
	}
	for _, f := range r.fades {
		if f.derivatives[0].ID == id || f.derivatives[1].ID == id {
			return true
		}
	}
	return false
}

func unionRefs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, refs := range [][]string{a, b} {
		for _, ref := range refs {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}
