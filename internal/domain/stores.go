package domain

import (
	"context"

	"github.com/google/uuid"
)

// MarkRecord is the durable view of a mark: the full record plus placement
// and lifecycle state. Every state transition (insert, decay tick, merge,
// split, quarantine, archive) upserts one of these, which is sufficient to
// reconstruct partition membership and aggregates after a restart.
type MarkRecord struct {
	Mark
	Partition     PartitionID   `json:"partition"`
	State         MarkState     `json:"state"`
	ArchiveReason ArchiveReason `json:"archive_reason,omitempty"`
	UpdatedCycle  int64         `json:"updated_cycle"`
}

// MarkWithScore pairs a stored record with an expression-similarity score.
type MarkWithScore struct {
	MarkRecord
	Score float32 `json:"score"`
}

// ListFilter narrows partition listings.
type ListFilter struct {
	MinWeight     float64
	DivergentOnly bool
	Limit         int
}

type MarkStore interface {
	Upsert(ctx context.Context, rec *MarkRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*MarkRecord, error)
	ListByState(ctx context.Context, state MarkState) ([]MarkRecord, error)
	// FindSimilar ranks stored marks by expression-vector distance to the
	// given mark's vector.
	FindSimilar(ctx context.Context, id uuid.UUID, limit int) ([]MarkWithScore, error)
}

type AuditStore interface {
	Save(ctx context.Context, r *AuditReport) error
	Latest(ctx context.Context) (*AuditReport, error)
}
