package vault

import (
	"math"
	"testing"
	"time"

	"github.com/scarvault/scarvault/internal/domain"
)

func reconcilerFixture() (*Reconciler, *Partition, *Partition, *InertStore) {
	return NewReconciler(2 * time.Second),
		NewPartition(domain.PartitionA, 100),
		NewPartition(domain.PartitionB, 100),
		NewInertStore(100)
}

func TestReconcileDecayLaw(t *testing.T) {
	r, a, b, inert := reconcilerFixture()

	m := newMark(10, 0, 0)
	m.LastReinforcedCycle = 0
	a.Insert(m)

	res := r.Reconcile(3, a, b, inert, nil)
	if res.Decayed != 1 {
		t.Fatalf("decayed = %d, want 1", res.Decayed)
	}
	want := math.Exp(-0.22 * 3)
	if math.Abs(m.Weight-want) > 1e-9 {
		t.Errorf("weight after 3 cycles = %v, want %v", m.Weight, want)
	}
}

func TestReconcileDivergenceFlagging(t *testing.T) {
	r, a, b, inert := reconcilerFixture()

	peer := time.Now().Add(5 * time.Second)
	m := newMark(10, 0, 0)
	m.CreatedAt = time.Now()
	m.PeerObservedAt = &peer
	m.Expression = domain.FeatureMap{"k": 2.0}
	m.LastReinforcedCycle = 1
	a.Insert(m)

	inWindow := newMark(20, 0, 0)
	soon := inWindow.CreatedAt.Add(time.Second)
	inWindow.PeerObservedAt = &soon
	inWindow.LastReinforcedCycle = 1
	b.Insert(inWindow)

	res := r.Reconcile(1, a, b, inert, nil)
	if res.Diverged != 1 {
		t.Fatalf("diverged = %d, want 1", res.Diverged)
	}
	if !m.Divergent {
		t.Error("out-of-window mark not flagged")
	}
	if inWindow.Divergent {
		t.Error("in-window mark flagged")
	}
	if math.Abs(m.Expression["k"]-1.7) > 1e-9 {
		t.Errorf("desync transform not applied: %v", m.Expression["k"])
	}
	if m.ReflectionCount != 1 {
		t.Errorf("reflection count = %d, want 1", m.ReflectionCount)
	}

	// The transform applies exactly once; later cycles deepen drift instead.
	res = r.Reconcile(2, a, b, inert, nil)
	if res.Diverged != 0 {
		t.Errorf("re-flagged an already divergent mark")
	}
	if math.Abs(m.Expression["k"]-1.7) > 1e-9 {
		t.Errorf("transform applied twice: %v", m.Expression["k"])
	}
	if m.DriftDepth == 0 {
		t.Error("divergent mark's drift depth not advancing")
	}
}

func TestReconcileMergeProducesOneComposite(t *testing.T) {
	r, a, b, inert := reconcilerFixture()

	ma := newMark(100, 0, 0)
	ma.Refs = []string{"r1", "r2"}
	ma.Expression = domain.FeatureMap{"k1": 1, "k2": 2}
	ma.Weight, ma.InitialWeight = 0.5, 0.5
	ma.LastReinforcedCycle = 1

	mb := newMark(120, 0, 0)
	mb.Refs = []string{"r2", "r3"}
	mb.Expression = domain.FeatureMap{"k1": 3, "k2": 4}
	mb.CreatedAt = ma.CreatedAt.Add(time.Minute)
	mb.Weight, mb.InitialWeight = 0.9, 0.9
	mb.LastReinforcedCycle = 1

	a.Insert(ma)
	b.Insert(mb)

	pairs := []domain.OverlapPair{{A: ma.ID, B: mb.ID, Overlap: 1.0, NearDuplicate: true}}
	res := r.Reconcile(1, a, b, inert, pairs)

	if res.Merged != 1 {
		t.Fatalf("merged = %d, want 1", res.Merged)
	}
	if a.Has(ma.ID) || b.Has(mb.ID) {
		t.Error("originals still active")
	}
	if len(res.Removals) != 2 {
		t.Fatalf("removals = %d, want the two originals", len(res.Removals))
	}
	for _, rm := range res.Removals {
		if rm.State != domain.StateArchived || rm.Reason != domain.ArchiveMerged {
			t.Errorf("original removal = %+v", rm)
		}
	}

	// Composite lands beside the heavier original (B) with full provenance.
	if a.Count() != 0 || b.Count() != 1 {
		t.Fatalf("composite placement: a=%d b=%d", a.Count(), b.Count())
	}
	composite := b.Marks()[0]
	if len(composite.MergedFrom) != 2 {
		t.Errorf("provenance = %v", composite.MergedFrom)
	}
	if !composite.CreatedAt.Equal(mb.CreatedAt) {
		t.Error("composite should take the later creation timestamp")
	}
	if composite.Weight != 1.0 {
		t.Errorf("composite weight = %v, want reset to 1.0", composite.Weight)
	}
	if len(composite.Refs) != 3 {
		t.Errorf("refs union = %v", composite.Refs)
	}
	if math.Abs(composite.Expression["k1"]-2) > 1e-9 {
		t.Errorf("expression not averaged: %v", composite.Expression)
	}
}

func TestReconcileDivergentPairNeverMerges(t *testing.T) {
	r, a, b, inert := reconcilerFixture()

	ma := newMark(100, 0, 0)
	ma.Divergent = true
	ma.Expression = domain.FeatureMap{"k1": 1, "k2": 2}
	ma.LastReinforcedCycle = 1
	mb := newMark(120, 0, 0)
	mb.Expression = domain.FeatureMap{"k1": 1, "k2": 2}
	mb.LastReinforcedCycle = 1
	a.Insert(ma)
	b.Insert(mb)

	pairs := []domain.OverlapPair{{A: ma.ID, B: mb.ID, Overlap: 1.0}}
	if res := r.Reconcile(1, a, b, inert, pairs); res.Merged != 0 {
		t.Error("divergent member merged")
	}
	if ma.DriftDepth == 0 || mb.DriftDepth == 0 {
		t.Error("persisting pair did not deepen drift")
	}
}

func TestReconcileRecompressionSplit(t *testing.T) {
	r, a, b, inert := reconcilerFixture()

	victim := newMark(100, 0, 0)
	victim.Divergent = true
	victim.Expression = domain.FeatureMap{"k1": 1, "k2": 2, "k3": 3, "k4": 4}
	victim.Weight, victim.InitialWeight = 1.0, 1.0
	peer := newMark(120, 0, 0)
	peer.Expression = domain.FeatureMap{"k1": 1, "k2": 2, "k3": 3, "k4": 4}
	a.Insert(victim)
	b.Insert(peer)

	pairs := []domain.OverlapPair{{A: victim.ID, B: peer.ID, Overlap: 1.0}}

	var res ReconcileResult
	for cycle := int64(1); cycle <= 3; cycle++ {
		victim.LastReinforcedCycle = cycle
		peer.LastReinforcedCycle = cycle
		res = r.Reconcile(cycle, a, b, inert, pairs)
		if cycle < 3 && res.SplitsBegun != 0 {
			t.Fatalf("split began on cycle %d", cycle)
		}
	}
	if res.SplitsBegun != 1 {
		t.Fatalf("splits = %d after streak of 3, want 1", res.SplitsBegun)
	}

	// The divergent member (deeper drift) is split: two derivatives with
	// disjoint halves alongside the fading original.
	if a.Count() != 3 {
		t.Fatalf("partition A count = %d, want original plus two derivatives", a.Count())
	}
	var derivatives []*domain.Mark
	for _, m := range a.Marks() {
		if m.SplitFrom != nil {
			if *m.SplitFrom != victim.ID {
				t.Errorf("derivative points at %v", *m.SplitFrom)
			}
			derivatives = append(derivatives, m)
		}
	}
	if len(derivatives) != 2 {
		t.Fatalf("derivatives = %d, want 2", len(derivatives))
	}
	if derivatives[0].Expression.Overlap(derivatives[1].Expression) != 0 {
		t.Error("derivative halves share feature keys")
	}

	// Fade runs two cycles total; the original then archives with the split
	// reason and the derivatives absorb the weight.
	res = r.Reconcile(4, a, b, inert, nil)
	if a.Has(victim.ID) {
		t.Fatal("original still active after fade")
	}
	if victim.Weight != 0 {
		t.Errorf("faded weight = %v, want 0", victim.Weight)
	}
	found := false
	for _, rm := range res.Removals {
		if rm.Mark.ID == victim.ID {
			found = true
			if rm.Reason != domain.ArchiveSplit {
				t.Errorf("archive reason = %v", rm.Reason)
			}
		}
	}
	if !found {
		t.Error("fade completion not recorded as a removal")
	}
	for _, d := range derivatives {
		if d.Weight <= 0 {
			t.Errorf("derivative weight = %v", d.Weight)
		}
		if d.LastReinforcedCycle != 4 {
			t.Errorf("derivative not reinforced at fade end: cycle %d", d.LastReinforcedCycle)
		}
	}
}

func TestReconcileQuarantine(t *testing.T) {
	r, a, b, inert := reconcilerFixture()

	distorted := newMark(10, 0, 0)
	distorted.ReflectionCount = 6
	distorted.LastReinforcedCycle = 1
	healthy := newMark(20, 0, 0)
	healthy.ReflectionCount = 5
	healthy.LastReinforcedCycle = 1
	a.Insert(distorted)
	a.Insert(healthy)

	res := r.Reconcile(1, a, b, inert, nil)

	if a.Has(distorted.ID) || !inert.Has(distorted.ID) {
		t.Error("distorted mark not quarantined")
	}
	if !distorted.Quarantined {
		t.Error("quarantine flag not set")
	}
	if !a.Has(healthy.ID) || inert.Has(healthy.ID) {
		t.Error("healthy mark quarantined")
	}

	found := false
	for _, rm := range res.Removals {
		if rm.Mark.ID == distorted.ID && rm.State == domain.StateQuarantined {
			found = true
		}
	}
	if !found {
		t.Error("quarantine transition not recorded")
	}
}

func TestPairStreakResetsWhenPairStopsReporting(t *testing.T) {
	r, a, b, inert := reconcilerFixture()

	ma := newMark(100, 0, 0)
	ma.Divergent = true
	ma.Expression = domain.FeatureMap{"k1": 1, "k2": 2}
	mb := newMark(120, 0, 0)
	mb.Expression = domain.FeatureMap{"k1": 1, "k2": 2}
	a.Insert(ma)
	b.Insert(mb)

	pairs := []domain.OverlapPair{{A: ma.ID, B: mb.ID, Overlap: 1.0}}
	r.Reconcile(1, a, b, inert, pairs)
	r.Reconcile(2, a, b, inert, pairs)
	// Pair absent for a cycle: the streak resets.
	r.Reconcile(3, a, b, inert, nil)

	if res := r.Reconcile(4, a, b, inert, pairs); res.SplitsBegun != 0 {
		t.Error("streak survived a silent cycle")
	}
	if _, ok := r.pairStreak[pairKey{ma.ID, mb.ID}]; !ok {
		t.Error("streak not tracking after re-report")
	}
}
