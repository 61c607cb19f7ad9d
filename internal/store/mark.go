package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/scarvault/scarvault/internal/domain"
)

// MarkStore persists the full mark record on every state transition. The
// expression map is stored both as JSONB (authoritative) and as a
// fixed-dimension vector projection for similarity queries.
type MarkStore struct {
	db *pgxpool.Pool
}

func NewMarkStore(db *pgxpool.Pool) *MarkStore {
	return &MarkStore{db: db}
}

const markColumns = `id, refs, reason, resolver_id, created_at, peer_observed_at,
	pre_entropy, post_entropy, delta_entropy, angle, polarity, mutation_frequency,
	weight, initial_weight, delay_count, reflection_count, drift_depth,
	divergent, quarantined, expression, last_reinforced_cycle, admitted_cycle,
	merged_from, split_from, partition_id, state, archive_reason, updated_cycle`

func (s *MarkStore) Upsert(ctx context.Context, rec *domain.MarkRecord) error {
	var vec *pgvector.Vector
	if len(rec.Expression) > 0 {
		v := pgvector.NewVector(rec.Expression.Vector())
		vec = &v
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO marks (`+markColumns+`, expression_vec, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   weight = EXCLUDED.weight,
		   initial_weight = EXCLUDED.initial_weight,
		   delay_count = EXCLUDED.delay_count,
		   reflection_count = EXCLUDED.reflection_count,
		   drift_depth = EXCLUDED.drift_depth,
		   divergent = EXCLUDED.divergent,
		   quarantined = EXCLUDED.quarantined,
		   expression = EXCLUDED.expression,
		   expression_vec = EXCLUDED.expression_vec,
		   angle = EXCLUDED.angle,
		   last_reinforced_cycle = EXCLUDED.last_reinforced_cycle,
		   admitted_cycle = EXCLUDED.admitted_cycle,
		   merged_from = EXCLUDED.merged_from,
		   partition_id = EXCLUDED.partition_id,
		   state = EXCLUDED.state,
		   archive_reason = EXCLUDED.archive_reason,
		   updated_cycle = EXCLUDED.updated_cycle,
		   updated_at = NOW()`,
		rec.ID, rec.Refs, rec.Reason, rec.ResolverID, rec.CreatedAt, rec.PeerObservedAt,
		rec.PreEntropy, rec.PostEntropy, rec.DeltaEntropy, rec.Angle, rec.Polarity, rec.MutationFrequency,
		rec.Weight, rec.InitialWeight, rec.DelayCount, rec.ReflectionCount, rec.DriftDepth,
		rec.Divergent, rec.Quarantined, rec.Expression, rec.LastReinforcedCycle, rec.AdmittedCycle,
		rec.MergedFrom, rec.SplitFrom, string(rec.Partition), string(rec.State), string(rec.ArchiveReason), rec.UpdatedCycle,
		vec,
	)
	if err != nil {
		return fmt.Errorf("upsert mark: %w", err)
	}
	return nil
}

func (s *MarkStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.MarkRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+markColumns+` FROM marks WHERE id = $1`, id)
	rec, err := scanMark(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMarkNotFound
		}
		return nil, fmt.Errorf("get mark: %w", err)
	}
	return rec, nil
}

func (s *MarkStore) ListByState(ctx context.Context, state domain.MarkState) ([]domain.MarkRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+markColumns+` FROM marks WHERE state = $1 ORDER BY created_at`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list marks: %w", err)
	}
	defer rows.Close()

	var out []domain.MarkRecord
	for rows.Next() {
		rec, err := scanMark(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mark row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// FindSimilar ranks active marks by cosine distance of their expression
// vectors to the given mark's vector.
func (s *MarkStore) FindSimilar(ctx context.Context, id uuid.UUID, limit int) ([]domain.MarkWithScore, error) {
	if limit <= 0 {
		limit = 10
	}

	var vec pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT expression_vec FROM marks WHERE id = $1 AND expression_vec IS NOT NULL`, id,
	).Scan(&vec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMarkNotFound
		}
		return nil, fmt.Errorf("load expression vector: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+markColumns+`, 1 - (expression_vec <=> $1) AS score
		 FROM marks
		 WHERE id <> $2 AND state = $3 AND expression_vec IS NOT NULL
		 ORDER BY expression_vec <=> $1
		 LIMIT $4`,
		vec, id, string(domain.StateActive), limit)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var out []domain.MarkWithScore
	for rows.Next() {
		var ms domain.MarkWithScore
		rec, err := scanMarkWithScore(rows, &ms.Score)
		if err != nil {
			return nil, fmt.Errorf("scan similarity row: %w", err)
		}
		ms.MarkRecord = *rec
		out = append(out, ms)
	}
	return out, rows.Err()
}

func scanMark(row pgx.Row) (*domain.MarkRecord, error) {
	return scanMarkWithScore(row, nil)
}

func scanMarkWithScore(row pgx.Row, score *float32) (*domain.MarkRecord, error) {
	rec := &domain.MarkRecord{}
	var partition, state, reason string

	dest := []any{
		&rec.ID, &rec.Refs, &rec.Reason, &rec.ResolverID, &rec.CreatedAt, &rec.PeerObservedAt,
		&rec.PreEntropy, &rec.PostEntropy, &rec.DeltaEntropy, &rec.Angle, &rec.Polarity, &rec.MutationFrequency,
		&rec.Weight, &rec.InitialWeight, &rec.DelayCount, &rec.ReflectionCount, &rec.DriftDepth,
		&rec.Divergent, &rec.Quarantined, &rec.Expression, &rec.LastReinforcedCycle, &rec.AdmittedCycle,
		&rec.MergedFrom, &rec.SplitFrom, &partition, &state, &reason, &rec.UpdatedCycle,
	}
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Partition = domain.PartitionID(partition)
	rec.State = domain.MarkState(state)
	rec.ArchiveReason = domain.ArchiveReason(reason)
	return rec, nil
}
