package domain

import (
	"hash/fnv"
	"math"
	"sort"
	"strconv"
)

// FeatureMap is the tagged variant map carried by every mark ("expression").
// Keys are free-form feature names, values are plain numbers; all similarity
// work in the vault runs over this fixed value domain.
type FeatureMap map[string]float64

func (f FeatureMap) Clone() FeatureMap {
	if f == nil {
		return nil
	}
	c := make(FeatureMap, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

// Overlap returns the Jaccard-style overlap with other: shared feature keys
// divided by the union of keys. Empty maps never overlap.
func (f FeatureMap) Overlap(other FeatureMap) float64 {
	if len(f) == 0 || len(other) == 0 {
		return 0
	}
	shared := 0
	for k := range f {
		if _, ok := other[k]; ok {
			shared++
		}
	}
	union := len(f) + len(other) - shared
	return float64(shared) / float64(union)
}

// Merge unions two maps, averaging values for shared keys.
func (f FeatureMap) Merge(other FeatureMap) FeatureMap {
	out := make(FeatureMap, len(f)+len(other))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range other {
		if existing, ok := out[k]; ok {
			out[k] = (existing + v) / 2
		} else {
			out[k] = v
		}
	}
	return out
}

// SplitHalves partitions the map into two disjoint halves by alternating over
// sorted keys, so a split is deterministic for a given expression.
func (f FeatureMap) SplitHalves() (FeatureMap, FeatureMap) {
	keys := f.sortedKeys()
	left := make(FeatureMap, (len(keys)+1)/2)
	right := make(FeatureMap, len(keys)/2)
	for i, k := range keys {
		if i%2 == 0 {
			left[k] = f[k]
		} else {
			right[k] = f[k]
		}
	}
	return left, right
}

// Scale multiplies every value in place. Used by the burst-admission penalty
// and the divergence desync transform.
func (f FeatureMap) Scale(factor float64) {
	for k, v := range f {
		f[k] = v * factor
	}
}

// Hash returns a canonical FNV-1a hash over sorted key/value pairs. Marks
// with identical hashes are exact expression duplicates.
func (f FeatureMap) Hash() uint64 {
	h := fnv.New64a()
	for _, k := range f.sortedKeys() {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(strconv.FormatFloat(f[k], 'g', -1, 64)))
		_, _ = h.Write([]byte{';'})
	}
	return h.Sum64()
}

// ExpressionVectorDim is the dimensionality of the durable projection stored
// next to each mark for similarity queries.
const ExpressionVectorDim = 16

// Vector projects the map onto a fixed-dimension unit vector by hashing keys
// into buckets. The projection is stable across restarts, so stored vectors
// stay comparable.
func (f FeatureMap) Vector() []float32 {
	vec := make([]float32, ExpressionVectorDim)
	for k, v := range f {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		vec[h.Sum32()%ExpressionVectorDim] += float32(v)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (f FeatureMap) sortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// expressionAngleStep spreads feature mass over the angle domain; the golden
// angle keeps nearby sums from collapsing onto the same heading.
const expressionAngleStep = 137.50776405

// ExpressionAngle derives a geometric angle from an expression. Used when a
// burst admission reduces the feature map and the mark's angle must be
// recomputed from the reduced features.
func ExpressionAngle(f FeatureMap) float64 {
	var sum float64
	for _, v := range f {
		sum += v
	}
	a := math.Mod(sum*expressionAngleStep, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// AngleDistance returns the absolute numeric distance between two angles.
// The router compares angles numerically, not circularly.
func AngleDistance(a, b float64) float64 {
	return math.Abs(a - b)
}
