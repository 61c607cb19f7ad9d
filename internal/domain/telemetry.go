package domain

import (
	"time"

	"github.com/google/uuid"
)

// PartitionTelemetry is a consistent snapshot of one partition's aggregates.
type PartitionTelemetry struct {
	Partition   PartitionID `json:"partition"`
	ActiveCount int         `json:"active_count"`
	Capacity    int         `json:"capacity"`
	EntropySum  float64     `json:"entropy_sum"`
	MeanAngle   float64     `json:"mean_angle"`
	StressIndex float64     `json:"stress_index"`
	Locked      bool        `json:"locked"`
}

// OverlapPair is a cross-partition candidate pair found by the interference
// monitor. NearDuplicate is set above the 0.9 overlap line; the reconciler
// consumes every candidate at or above the merge floor.
type OverlapPair struct {
	A             uuid.UUID `json:"a"`
	B             uuid.UUID `json:"b"`
	Overlap       float64   `json:"overlap"`
	NearDuplicate bool      `json:"near_duplicate"`
}

// InterferenceReport is the monitor's per-cycle read-only telemetry.
type InterferenceReport struct {
	Cycle            int64         `json:"cycle"`
	Correlation      float64       `json:"correlation"`
	EntropyImbalance float64       `json:"entropy_imbalance"`
	Pairs            []OverlapPair `json:"pairs,omitempty"`
}

// AuditReport is the optimizer's structured output for one maintenance run.
type AuditReport struct {
	ID                 uuid.UUID `json:"id"`
	Cycle              int64     `json:"cycle"`
	Triggers           []string  `json:"triggers"`
	Pruned             int       `json:"pruned"`
	Compacted          int       `json:"compacted"`
	Archived           int       `json:"archived"`
	Deduplicated       int       `json:"deduplicated"`
	RemainingActive    int       `json:"remaining_active"`
	MemoryReductionPct float64   `json:"memory_reduction_pct"`
	CreatedAt          time.Time `json:"created_at"`
}

// Empty reports nothing changed; empty runs are not persisted.
func (r *AuditReport) Empty() bool {
	return r.Pruned == 0 && r.Compacted == 0 && r.Archived == 0 && r.Deduplicated == 0
}
