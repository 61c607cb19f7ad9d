package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/scarvault/scarvault/internal/domain"
)

var ErrNoAuditReport = errors.New("no audit report recorded")

// AuditStore keeps the optimizer's run reports.
type AuditStore struct {
	db *pgxpool.Pool
}

func NewAuditStore(db *pgxpool.Pool) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Save(ctx context.Context, r *domain.AuditReport) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_reports (id, cycle, triggers, pruned, compacted, archived, deduplicated, remaining_active, memory_reduction_pct, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Cycle, r.Triggers, r.Pruned, r.Compacted, r.Archived, r.Deduplicated,
		r.RemainingActive, r.MemoryReductionPct, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save audit report: %w", err)
	}
	return nil
}

func (s *AuditStore) Latest(ctx context.Context) (*domain.AuditReport, error) {
	r := &domain.AuditReport{}
	err := s.db.QueryRow(ctx,
		`SELECT id, cycle, triggers, pruned, compacted, archived, deduplicated, remaining_active, memory_reduction_pct, created_at
		 FROM audit_reports ORDER BY created_at DESC, cycle DESC LIMIT 1`,
	).Scan(&r.ID, &r.Cycle, &r.Triggers, &r.Pruned, &r.Compacted, &r.Archived,
		&r.Deduplicated, &r.RemainingActive, &r.MemoryReductionPct, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoAuditReport
		}
		return nil, fmt.Errorf("latest audit report: %w", err)
	}
	return r, nil
}
