package domain

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// PartitionID identifies one of the two record partitions.
type PartitionID string

const (
	PartitionA PartitionID = "A"
	PartitionB PartitionID = "B"
)

func ValidPartitionID(p string) bool {
	switch PartitionID(p) {
	case PartitionA, PartitionB:
		return true
	}
	return false
}

// Other returns the opposite partition.
func (p PartitionID) Other() PartitionID {
	if p == PartitionA {
		return PartitionB
	}
	return PartitionA
}

type MarkState string

const (
	StatePending     MarkState = "pending"
	StateActive      MarkState = "active"
	StateQuarantined MarkState = "quarantined"
	StateFallback    MarkState = "fallback"
	StateArchived    MarkState = "archived"
)

type ArchiveReason string

const (
	ArchiveMerged       ArchiveReason = "merged"
	ArchiveSplit        ArchiveReason = "split"
	ArchivePruned       ArchiveReason = "pruned"
	ArchiveCompacted    ArchiveReason = "compacted"
	ArchiveDeduplicated ArchiveReason = "deduplicated"
	ArchiveRetention    ArchiveReason = "retention"
	ArchivePurged       ArchiveReason = "purged"
)

// Validation failures reported synchronously to the submitter.
var (
	ErrTooFewRefs           = errors.New("mark requires at least two conflicting references")
	ErrAngleOutOfRange      = errors.New("angle must be in [0,360)")
	ErrPolarityOutOfRange   = errors.New("polarity must be in [-1,1]")
	ErrMutationOutOfRange   = errors.New("mutation frequency must be in [0,1]")
	ErrEntropySignalInvalid = errors.New("entropy signals must be finite numbers")
	ErrDuplicateIdentity    = errors.New("mark identity already exists")
	ErrMarkNotFound         = errors.New("mark not found")
)

// Mark is the immutable-core record of a resolved conflict. Identity,
// references, provenance, and the upstream numeric signals never change after
// creation. Only the evolution fields below the signals are mutated, and only
// by the vault's own components.
type Mark struct {
	ID         uuid.UUID `json:"id"`
	Refs       []string  `json:"refs"`
	Reason     string    `json:"reason,omitempty"`
	ResolverID string    `json:"resolver_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	// PeerObservedAt is set when the same conflict was independently observed
	// from the other partition's side; the gap drives divergence detection.
	PeerObservedAt *time.Time `json:"peer_observed_at,omitempty"`

	// Opaque numeric signals computed upstream.
	PreEntropy        float64 `json:"pre_entropy"`
	PostEntropy       float64 `json:"post_entropy"`
	DeltaEntropy      float64 `json:"delta_entropy"`
	Angle             float64 `json:"angle"`
	Polarity          float64 `json:"polarity"`
	MutationFrequency float64 `json:"mutation_frequency"`

	// Evolution fields, owned exclusively by the vault.
	Weight              float64     `json:"weight"`
	InitialWeight       float64     `json:"initial_weight"`
	DelayCount          int         `json:"delay_count"`
	ReflectionCount     int         `json:"reflection_count"`
	DriftDepth          int         `json:"drift_depth"`
	Divergent           bool        `json:"divergent"`
	Quarantined         bool        `json:"quarantined"`
	Expression          FeatureMap  `json:"expression,omitempty"`
	LastReinforcedCycle int64       `json:"last_reinforced_cycle"`
	AdmittedCycle       int64       `json:"admitted_cycle"`
	MergedFrom          []uuid.UUID `json:"merged_from,omitempty"`
	SplitFrom           *uuid.UUID  `json:"split_from,omitempty"`
}

// Validate checks the submitted signals against their defined domains.
func (m *Mark) Validate() error {
	if len(m.Refs) < 2 {
		return ErrTooFewRefs
	}
	for _, v := range []float64{m.PreEntropy, m.PostEntropy, m.DeltaEntropy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrEntropySignalInvalid
		}
	}
	if m.Angle < 0 || m.Angle >= 360 || math.IsNaN(m.Angle) {
		return ErrAngleOutOfRange
	}
	if m.Polarity < -1 || m.Polarity > 1 || math.IsNaN(m.Polarity) {
		return ErrPolarityOutOfRange
	}
	if m.MutationFrequency < 0 || m.MutationFrequency > 1 || math.IsNaN(m.MutationFrequency) {
		return ErrMutationOutOfRange
	}
	return nil
}

// IdentityDistortion measures accumulated reflection damage. Marks crossing
// QuarantineThreshold are moved to the inert store.
func (m *Mark) IdentityDistortion() float64 {
	return 1 - math.Exp(-0.22*float64(m.ReflectionCount))
}

const QuarantineThreshold = 0.72

// DecayedWeight returns the weight after the exponential decay law, given the
// current cycle. Decay never raises weight.
func (m *Mark) DecayedWeight(cycle int64) float64 {
	elapsed := cycle - m.LastReinforcedCycle
	if elapsed <= 0 {
		return m.Weight
	}
	w := m.InitialWeight * math.Exp(-0.22*float64(elapsed))
	if w > m.Weight {
		return m.Weight
	}
	return w
}

// Reinforce resets the decay clock at the given cycle.
func (m *Mark) Reinforce(cycle int64) {
	m.InitialWeight = m.Weight
	m.LastReinforcedCycle = cycle
}

// Clone returns a deep copy safe to hand out of the vault's writer lock.
func (m *Mark) Clone() *Mark {
	c := *m
	c.Refs = append([]string(nil), m.Refs...)
	c.Expression = m.Expression.Clone()
	c.MergedFrom = append([]uuid.UUID(nil), m.MergedFrom...)
	if m.PeerObservedAt != nil {
		t := *m.PeerObservedAt
		c.PeerObservedAt = &t
	}
	if m.SplitFrom != nil {
		id := *m.SplitFrom
		c.SplitFrom = &id
	}
	return &c
}
