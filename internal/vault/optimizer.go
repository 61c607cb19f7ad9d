package vault

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/scarvault/scarvault/internal/domain"
)

const (
	// DriftDepthLimit marks a record as drift-deep for pruning and the drift
	// trigger.
	DriftDepthLimit = 12
	driftShareTrigger = 0.10
	// insertRateTrigger fires above this many new marks per rate window.
	insertRateTrigger = 25
	insertRateWindow  = 100
	// entropySlopeTrigger fires on a sustained upward entropy-sum trend.
	entropySlopeTrigger = 0.05
	entropySlopeWindow  = 500
	// saturationTrigger is the share of active marks sitting in overlap
	// candidate pairs.
	saturationTrigger = 0.85
	inertFillTrigger  = 0.90

	// CompactEntropyCeiling and CompactClusterMax bound the clusters folded
	// into a single latent-pattern record.
	CompactEntropyCeiling = 0.43
	CompactClusterMax     = 5

	// RetentionFloor archives marks scoring below it.
	RetentionFloor   = 0.12
	retentionEpsilon = 1e-6
	// retentionDefault substitutes for absent retention inputs so
	// unannotated marks are never retired by default.
	retentionDefault = 0.5
)

// Retention input feature keys, supplied upstream in the expression map.
const (
	FeatureLoopInfluence    = "loop_influence"
	FeatureGoalContribution = "goal_contribution"
	FeatureAnchorCoupling   = "anchor_coupling"
	FeatureEntropyDecay     = "entropy_decay"
)

// Optimizer is the periodic maintenance pass: pruning, compaction, index
// rebuild, retention scoring, deduplication, and the audit report. It runs
// only when one of its five triggers fires, and a run with nothing to do
// produces an empty report that is never persisted.
type Optimizer struct {
	insertHistory  []int
	entropyHistory []float64
}

func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Observe feeds the per-cycle counters behind the rate and slope triggers.
func (o *Optimizer) Observe(inserted int, totalEntropy float64) {
	o.insertHistory = append(o.insertHistory, inserted)
	if len(o.insertHistory) > insertRateWindow {
		o.insertHistory = o.insertHistory[len(o.insertHistory)-insertRateWindow:]
	}
	o.entropyHistory = append(o.entropyHistory, totalEntropy)
	if len(o.entropyHistory) > entropySlopeWindow {
		o.entropyHistory = o.entropyHistory[len(o.entropyHistory)-entropySlopeWindow:]
	}
}

// Triggers evaluates the five maintenance triggers and returns the ones that
// fired.
func (o *Optimizer) Triggers(a, b *Partition, inert *InertStore, report domain.InterferenceReport) []string {
	var fired []string

	active := a.Count() + b.Count()
	if active > 0 {
		deep := 0
		count := func(m *domain.Mark) {
			if m.DriftDepth > DriftDepthLimit {
				deep++
			}
		}
		a.Each(count)
		b.Each(count)
		if float64(deep)/float64(active) >= driftShareTrigger {
			fired = append(fired, "drift_depth")
		}
	}

	inserts := 0
	for _, n := range o.insertHistory {
		inserts += n
	}
	if inserts > insertRateTrigger {
		fired = append(fired, "insert_rate")
	}

	if len(o.entropyHistory) == entropySlopeWindow && slope(o.entropyHistory) > entropySlopeTrigger {
		fired = append(fired, "entropy_slope")
	}

	if active > 0 {
		inPair := make(map[uuid.UUID]bool)
		for _, p := range report.Pairs {
			inPair[p.A] = true
			inPair[p.B] = true
		}
		if float64(len(inPair))/float64(active) > saturationTrigger {
			fired = append(fired, "overlap_saturation")
		}
	}

	if inert.Fill() > inertFillTrigger {
		fired = append(fired, "inert_fill")
	}

	return fired
}

// Run applies the maintenance operations in their fixed sequence and returns
// the audit report plus the archival removals for persistence. The trigger
// windows reset on completion, so an immediately repeated run fires nothing.
func (o *Optimizer) Run(cycle int64, a, b *Partition, inert *InertStore, triggers []string) (*domain.AuditReport, []Removal) {
	before := a.Count() + b.Count()
	report := &domain.AuditReport{
		ID:        uuid.New(),
		Cycle:     cycle,
		Triggers:  triggers,
		CreatedAt: time.Now(),
	}
	var removals []Removal

	for _, part := range []*Partition{a, b} {
		removals = append(removals, o.prune(part, report)...)
		removals = append(removals, o.compact(cycle, part, report)...)
	}

	a.Recompute()
	b.Recompute()

	for _, part := range []*Partition{a, b} {
		removals = append(removals, o.applyRetention(part, report)...)
	}
	removals = append(removals, o.deduplicate(a, b, report)...)

	report.RemainingActive = a.Count() + b.Count()
	if before > 0 {
		report.MemoryReductionPct = float64(before-report.RemainingActive) / float64(before) * 100
	}

	o.insertHistory = nil
	o.entropyHistory = nil
	return report, removals
}

// prune archives drift-deep marks that are neither loop-active nor carrying
// any goal impact.
func (o *Optimizer) prune(part *Partition, report *domain.AuditReport) []Removal {
	var victims []*domain.Mark
	part.Each(func(m *domain.Mark) {
		if m.DriftDepth <= DriftDepthLimit {
			return
		}
		if m.Expression[FeatureLoopInfluence] > 0 || m.Expression[FeatureGoalContribution] > 0 {
			return
		}
		victims = append(victims, m)
	})

	removals := make([]Removal, 0, len(victims))
	for _, m := range victims {
		part.Remove(m.ID)
		removals = append(removals, Removal{
			Mark: m, Partition: part.ID(), State: domain.StateArchived, Reason: domain.ArchivePruned,
		})
		report.Pruned++
		report.Archived++
	}
	return removals
}

// compact folds small low-entropy clusters into a single latent-pattern
// record, archiving the members.
func (o *Optimizer) compact(cycle int64, part *Partition, report *domain.AuditReport) []Removal {
	var eligible []*domain.Mark
	part.Each(func(m *domain.Mark) {
		if m.PostEntropy < CompactEntropyCeiling && len(m.Expression) > 0 {
			eligible = append(eligible, m)
		}
	})

	var removals []Removal
	assigned := make(map[uuid.UUID]bool)
	for i, seed := range eligible {
		if assigned[seed.ID] {
			continue
		}
		cluster := []*domain.Mark{seed}
		for _, cand := range eligible[i+1:] {
			if assigned[cand.ID] {
				continue
			}
			if seed.Expression.Overlap(cand.Expression) >= OverlapCandidateFloor {
				cluster = append(cluster, cand)
			}
		}
		if len(cluster) < 2 || len(cluster) >= CompactClusterMax {
			continue
		}

		latent := latentPattern(cycle, cluster)
		for _, m := range cluster {
			assigned[m.ID] = true
			part.Remove(m.ID)
			removals = append(removals, Removal{
				Mark: m, Partition: part.ID(), State: domain.StateArchived, Reason: domain.ArchiveCompacted,
			})
			report.Archived++
		}
		part.Insert(latent)
		report.Compacted++
	}
	return removals
}

// latentPattern builds the composite record replacing a compacted cluster.
func latentPattern(cycle int64, cluster []*domain.Mark) *domain.Mark {
	latent := &domain.Mark{
		ID:                  uuid.New(),
		Reason:              fmt.Sprintf("latent pattern over %d marks", len(cluster)),
		ResolverID:          "optimizer",
		Weight:              1.0,
		InitialWeight:       1.0,
		LastReinforcedCycle: cycle,
		AdmittedCycle:       cycle,
	}
	n := float64(len(cluster))
	for _, m := range cluster {
		latent.Refs = unionRefs(latent.Refs, m.Refs)
		latent.MergedFrom = append(latent.MergedFrom, m.ID)
		latent.PreEntropy += m.PreEntropy / n
		latent.PostEntropy += m.PostEntropy / n
		latent.DeltaEntropy += m.DeltaEntropy / n
		latent.Angle += m.Angle / n
		latent.Polarity += m.Polarity / n
		latent.MutationFrequency += m.MutationFrequency / n
		if m.CreatedAt.After(latent.CreatedAt) {
			latent.CreatedAt = m.CreatedAt
		}
		if latent.Expression == nil {
			latent.Expression = m.Expression.Clone()
		} else {
			latent.Expression = latent.Expression.Merge(m.Expression)
		}
	}
	return latent
}

// RetentionScore computes the archival score from the upstream retention
// inputs in the expression map; absent inputs take a neutral default.
func RetentionScore(m *domain.Mark) float64 {
	get := func(key string) float64 {
		if v, ok := m.Expression[key]; ok {
			return v
		}
		return retentionDefault
	}
	decay := get(FeatureEntropyDecay)
	if decay < retentionEpsilon {
		decay = retentionEpsilon
	}
	return get(FeatureLoopInfluence) * get(FeatureGoalContribution) * get(FeatureAnchorCoupling) / decay
}

func (o *Optimizer) applyRetention(part *Partition, report *domain.AuditReport) []Removal {
	var victims []*domain.Mark
	part.Each(func(m *domain.Mark) {
		if RetentionScore(m) < RetentionFloor {
			victims = append(victims, m)
		}
	})

	removals := make([]Removal, 0, len(victims))
	for _, m := range victims {
		part.Remove(m.ID)
		removals = append(removals, Removal{
			Mark: m, Partition: part.ID(), State: domain.StateArchived, Reason: domain.ArchiveRetention,
		})
		report.Archived++
	}
	return removals
}

// deduplicate archives marks with identical expression hashes, keeping the
// oldest and recording the keeper's identity on each duplicate.
func (o *Optimizer) deduplicate(a, b *Partition, report *domain.AuditReport) []Removal {
	type entry struct {
		mark *domain.Mark
		part *Partition
	}
	groups := make(map[uint64][]entry)
	for _, part := range []*Partition{a, b} {
		part.Each(func(m *domain.Mark) {
			if len(m.Expression) == 0 {
				return
			}
			h := m.Expression.Hash()
			groups[h] = append(groups[h], entry{mark: m, part: part})
		})
	}

	var removals []Removal
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		keeper := group[0]
		for _, e := range group[1:] {
			if e.mark.CreatedAt.Before(keeper.mark.CreatedAt) {
				keeper = e
			}
		}
		for _, e := range group {
			if e.mark.ID == keeper.mark.ID {
				continue
			}
			e.mark.MergedFrom = append(e.mark.MergedFrom, keeper.mark.ID)
			e.part.Remove(e.mark.ID)
			removals = append(removals, Removal{
				Mark: e.mark, Partition: e.part.ID(), State: domain.StateArchived, Reason: domain.ArchiveDeduplicated,
			})
			report.Deduplicated++
			report.Archived++
		}
	}
	return removals
}

// slope is the least-squares per-cycle slope of a series.
func slope(series []float64) float64 {
	n := float64(len(series))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if math.Abs(denom) < retentionEpsilon {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
