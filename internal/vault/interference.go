package vault

import (
	"math"

	"github.com/scarvault/scarvault/internal/domain"
)

const (
	// OverlapCandidateFloor is the overlap at which a cross-partition pair
	// becomes a reconciliation candidate.
	OverlapCandidateFloor = 0.78
	// NearDuplicateThreshold flags candidates as near-duplicates.
	NearDuplicateThreshold = 0.9
	// rateWindow is the length of the per-partition insertion-rate series.
	rateWindow = 32
)

// InterferenceMonitor maintains read-only cross-partition telemetry,
// refreshed once per cycle: a correlation coefficient between the two
// partitions' recent insertion rates, the cross-partition overlap candidate
// pairs, and the signed entropy imbalance. It performs no mutation; the
// router's override logic and the reconciler consume its report.
type InterferenceMonitor struct {
	rateA  []float64
	rateB  []float64
	report domain.InterferenceReport
}

func NewInterferenceMonitor() *InterferenceMonitor {
	return &InterferenceMonitor{}
}

// Observe refreshes the report for the given cycle.
func (im *InterferenceMonitor) Observe(cycle int64, insertedA, insertedB int, a, b *Partition) {
	im.rateA = pushRate(im.rateA, float64(insertedA))
	im.rateB = pushRate(im.rateB, float64(insertedB))

	im.report = domain.InterferenceReport{
		Cycle:            cycle,
		Correlation:      pearson(im.rateA, im.rateB),
		EntropyImbalance: a.EntropySum() - b.EntropySum(),
		Pairs:            scanPairs(a, b),
	}
}

// Report returns the latest per-cycle snapshot.
func (im *InterferenceMonitor) Report() domain.InterferenceReport {
	out := im.report
	out.Pairs = append([]domain.OverlapPair(nil), im.report.Pairs...)
	return out
}

func pushRate(series []float64, v float64) []float64 {
	series = append(series, v)
	if len(series) > rateWindow {
		series = series[len(series)-rateWindow:]
	}
	return series
}

// scanPairs finds cross-partition mark pairs whose expression overlap reaches
// the candidate floor. Quarantine-bound and mid-fade marks are still active
// here; the reconciler applies its own eligibility rules.
func scanPairs(a, b *Partition) []domain.OverlapPair {
	var pairs []domain.OverlapPair
	a.Each(func(ma *domain.Mark) {
		if len(ma.Expression) == 0 {
			return
		}
		b.Each(func(mb *domain.Mark) {
			if len(mb.Expression) == 0 {
				return
			}
			// Upper bound on Jaccard: the smaller key set over the larger.
			small, large := len(ma.Expression), len(mb.Expression)
			if small > large {
				small, large = large, small
			}
			if float64(small)/float64(large) < OverlapCandidateFloor {
				return
			}
			overlap := ma.Expression.Overlap(mb.Expression)
			if overlap >= OverlapCandidateFloor {
				pairs = append(pairs, domain.OverlapPair{
					A:             ma.ID,
					B:             mb.ID,
					Overlap:       overlap,
					NearDuplicate: overlap > NearDuplicateThreshold,
				})
			}
		})
	})
	return pairs
}

// pearson computes the correlation coefficient of two equal-length series.
// Degenerate series (constant or too short) correlate at zero.
func pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	x = x[len(x)-n:]
	y = y[len(y)-n:]

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
