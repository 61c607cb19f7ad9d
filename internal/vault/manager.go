package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scarvault/scarvault/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultCycleInterval = 1 * time.Second
	flushAttempts        = 3
	flushBackoff         = 25 * time.Millisecond
)

var ErrUnknownPartition = errors.New("unknown partition")

// Config carries the manager's tunables.
type Config struct {
	Capacity      int
	InertCapacity int
	CycleInterval time.Duration
}

// Manager composes the vault: two partitions, the router, admission
// controller, interference monitor, reconciler, fracture controller and
// optimizer, driven by a discrete logical-cycle loop. All mutation happens
// under one writer lock, preserving the single-writer-per-partition
// discipline; telemetry reads take consistent snapshots.
type Manager struct {
	mu     sync.RWMutex
	logger *zap.Logger

	marks  domain.MarkStore
	audits domain.AuditStore

	a     *Partition
	b     *Partition
	inert *InertStore

	router     *Router
	admission  *AdmissionController
	monitor    *InterferenceMonitor
	reconciler *Reconciler
	fracture   *FractureController
	optimizer  *Optimizer

	cycle int64
	// dirty holds records whose transitions have not yet been durably
	// written. The cycle counter does not advance while any remain.
	dirty map[uuid.UUID]*domain.MarkRecord

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(marks domain.MarkStore, audits domain.AuditStore, cfg Config, logger *zap.Logger) *Manager {
	interval := cfg.CycleInterval
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	return &Manager{
		logger:     logger,
		marks:      marks,
		audits:     audits,
		a:          NewPartition(domain.PartitionA, cfg.Capacity),
		b:          NewPartition(domain.PartitionB, cfg.Capacity),
		inert:      NewInertStore(cfg.InertCapacity),
		router:     NewRouter(),
		admission:  NewAdmissionController(),
		monitor:    NewInterferenceMonitor(),
		reconciler: NewReconciler(2 * interval),
		fracture:   NewFractureController(),
		optimizer:  NewOptimizer(),
		dirty:      make(map[uuid.UUID]*domain.MarkRecord),
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// SetInterval adjusts the cycle interval (before Start).
func (v *Manager) SetInterval(d time.Duration) {
	v.interval = d
	v.reconciler.divergenceWindow = 2 * d
}

// Start begins the background cycle worker.
func (v *Manager) Start() {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()

		v.logger.Info("vault cycle worker started", zap.Duration("interval", v.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), v.interval)
				if err := v.Step(ctx); err != nil {
					v.logger.Error("cycle incomplete", zap.Error(err))
				}
				cancel()
			case <-v.stopCh:
				v.logger.Info("vault cycle worker stopped")
				return
			}
		}
	}()
}

// Stop halts the background cycle worker.
func (v *Manager) Stop() {
	close(v.stopCh)
	v.wg.Wait()
}

// Submit validates a mark and accepts it for processing. The caller gets a
// synchronous result; placement resolves asynchronously across subsequent
// cycles. Validation failures and identity collisions are the only
// caller-visible errors.
func (v *Manager) Submit(ctx context.Context, m *domain.Mark) error {
	if err := m.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Weight == 0 {
		m.Weight = 1.0
	}
	if m.InitialWeight == 0 {
		m.InitialWeight = m.Weight
	}

	if v.hasIdentity(m.ID) {
		return domain.ErrDuplicateIdentity
	}

	// A submission is durable before it is acknowledged.
	rec := record(m, "", domain.StatePending, "", v.cycle)
	if err := v.marks.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist submission: %w", err)
	}

	v.admission.Enqueue(m)
	return nil
}

func (v *Manager) hasIdentity(id uuid.UUID) bool {
	return v.a.Has(id) || v.b.Has(id) || v.inert.Has(id) ||
		v.admission.Has(id) || v.fracture.FallbackHas(id)
}

// Step runs one logical cycle in the fixed maintenance order. If a previous
// cycle left transitions unflushed, those are retried first and the cycle
// does not advance until they land.
func (v *Manager) Step(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.dirty) > 0 {
		if err := v.flush(ctx); err != nil {
			return err
		}
	}

	v.cycle++
	cycle := v.cycle

	drained := v.fracture.Advance(cycle, v.router, v.a, v.b)
	placed := v.admission.Process(cycle, v.router, v.a, v.b)

	insertedA, insertedB := 0, 0
	for _, p := range append(drained, placed...) {
		if p.Partition == domain.PartitionA {
			insertedA++
		} else {
			insertedB++
		}
		if p.Burst {
			v.logger.Info("burst admission",
				zap.String("mark_id", p.Mark.ID.String()),
				zap.String("partition", string(p.Partition)))
		}
	}

	v.monitor.Observe(cycle, insertedA, insertedB, v.a, v.b)

	recRes := v.reconciler.Reconcile(cycle, v.a, v.b, v.inert, v.monitor.Report().Pairs)
	v.noteRemovals(recRes.Removals, cycle)
	if recRes.Merged > 0 || recRes.SplitsBegun > 0 || recRes.Diverged > 0 {
		v.logger.Info("reconciliation activity",
			zap.Int64("cycle", cycle),
			zap.Int("merged", recRes.Merged),
			zap.Int("splits_begun", recRes.SplitsBegun),
			zap.Int("diverged", recRes.Diverged))
	}

	if event := v.fracture.Check(v.a, v.b); event != nil {
		v.noteRemovals(event.Shed, cycle)
		v.logger.Warn("fracture triggered",
			zap.Int64("cycle", cycle),
			zap.String("partition", string(event.Partition)),
			zap.Float64("stress", event.Stress),
			zap.Int("shed", len(event.Shed)))
	}

	v.optimizer.Observe(insertedA+insertedB, v.a.EntropySum()+v.b.EntropySum())
	if triggers := v.optimizer.Triggers(v.a, v.b, v.inert, v.monitor.Report()); len(triggers) > 0 {
		report, removals := v.optimizer.Run(cycle, v.a, v.b, v.inert, triggers)
		v.noteRemovals(removals, cycle)
		if !report.Empty() {
			if err := v.audits.Save(ctx, report); err != nil {
				v.logger.Warn("failed to persist audit report", zap.Error(err))
			}
			v.logger.Info("optimizer run",
				zap.Int64("cycle", cycle),
				zap.Strings("triggers", report.Triggers),
				zap.Int("pruned", report.Pruned),
				zap.Int("compacted", report.Compacted),
				zap.Int("archived", report.Archived),
				zap.Int("deduplicated", report.Deduplicated),
				zap.Float64("memory_reduction_pct", report.MemoryReductionPct))
		}
	}

	// The rebalance override is re-evaluated once per cycle, never per
	// insertion.
	v.router.Rebalance(v.a, v.b)

	v.noteSurvivors(cycle)
	return v.flush(ctx)
}

// noteSurvivors records the post-cycle state of everything still live: the
// decay tick touches every active mark, and held marks carry updated delay
// counters.
func (v *Manager) noteSurvivors(cycle int64) {
	v.a.Each(func(m *domain.Mark) {
		v.dirty[m.ID] = record(m, domain.PartitionA, domain.StateActive, "", cycle)
	})
	v.b.Each(func(m *domain.Mark) {
		v.dirty[m.ID] = record(m, domain.PartitionB, domain.StateActive, "", cycle)
	})
	for _, q := range [][]*domain.Mark{v.admission.arrivals, v.admission.held, v.admission.deferred} {
		for _, m := range q {
			v.dirty[m.ID] = record(m, "", domain.StatePending, "", cycle)
		}
	}
	for _, m := range v.fracture.fallback {
		v.dirty[m.ID] = record(m, "", domain.StateFallback, "", cycle)
	}
}

func (v *Manager) noteRemovals(removals []Removal, cycle int64) {
	for _, r := range removals {
		v.dirty[r.Mark.ID] = record(r.Mark, r.Partition, r.State, r.Reason, cycle)
	}
}

// flush durably writes pending transitions. A write failure is retried; if
// records remain unflushed the cycle is not complete and the error
// propagates to the caller for the next attempt.
func (v *Manager) flush(ctx context.Context) error {
	var lastErr error
	for id, rec := range v.dirty {
		var err error
		for attempt := 0; attempt < flushAttempts; attempt++ {
			if err = v.marks.Upsert(ctx, rec); err == nil {
				break
			}
			time.Sleep(flushBackoff * time.Duration(attempt+1))
		}
		if err != nil {
			lastErr = err
			continue
		}
		delete(v.dirty, id)
	}
	if lastErr != nil {
		return fmt.Errorf("flush transitions (%d unflushed): %w", len(v.dirty), lastErr)
	}
	return nil
}

// Restore rebuilds partitions, the inert store, the fallback queue, and the
// pending set from the durable store after a restart. Aggregates are
// recomputed from the restored active sets.
func (v *Manager) Restore(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	maxCycle := int64(0)
	track := func(rec *domain.MarkRecord) {
		if rec.UpdatedCycle > maxCycle {
			maxCycle = rec.UpdatedCycle
		}
	}

	active, err := v.marks.ListByState(ctx, domain.StateActive)
	if err != nil {
		return fmt.Errorf("restore active marks: %w", err)
	}
	for i := range active {
		rec := &active[i]
		track(rec)
		m := rec.Mark.Clone()
		if rec.Partition == domain.PartitionB {
			v.b.Insert(m)
		} else {
			v.a.Insert(m)
		}
	}

	quarantined, err := v.marks.ListByState(ctx, domain.StateQuarantined)
	if err != nil {
		return fmt.Errorf("restore quarantined marks: %w", err)
	}
	for i := range quarantined {
		track(&quarantined[i])
		v.inert.Add(quarantined[i].Mark.Clone())
	}

	fallback, err := v.marks.ListByState(ctx, domain.StateFallback)
	if err != nil {
		return fmt.Errorf("restore fallback queue: %w", err)
	}
	for i := range fallback {
		track(&fallback[i])
		v.fracture.Enqueue(fallback[i].Mark.Clone())
	}

	pending, err := v.marks.ListByState(ctx, domain.StatePending)
	if err != nil {
		return fmt.Errorf("restore pending marks: %w", err)
	}
	for i := range pending {
		track(&pending[i])
		v.admission.Enqueue(pending[i].Mark.Clone())
	}

	v.a.Recompute()
	v.b.Recompute()
	v.cycle = maxCycle

	v.logger.Info("vault restored",
		zap.Int("active_a", v.a.Count()),
		zap.Int("active_b", v.b.Count()),
		zap.Int("quarantined", v.inert.Count()),
		zap.Int("fallback", v.fracture.FallbackDepth()),
		zap.Int("pending", v.admission.PendingCount()),
		zap.Int64("cycle", v.cycle))
	return nil
}

// Cycle returns the current logical cycle.
func (v *Manager) Cycle() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cycle
}

// GetMark retrieves a mark by identifier. Quarantined and archived records
// are only returned when includeInactive is set.
func (v *Manager) GetMark(ctx context.Context, id uuid.UUID, includeInactive bool) (*domain.MarkRecord, error) {
	v.mu.RLock()
	if m, ok := v.a.Get(id); ok {
		rec := record(m.Clone(), domain.PartitionA, domain.StateActive, "", v.cycle)
		v.mu.RUnlock()
		return rec, nil
	}
	if m, ok := v.b.Get(id); ok {
		rec := record(m.Clone(), domain.PartitionB, domain.StateActive, "", v.cycle)
		v.mu.RUnlock()
		return rec, nil
	}
	if !includeInactive {
		v.mu.RUnlock()
		return nil, domain.ErrMarkNotFound
	}
	if m, ok := v.inert.Get(id); ok {
		rec := record(m.Clone(), "", domain.StateQuarantined, "", v.cycle)
		v.mu.RUnlock()
		return rec, nil
	}
	v.mu.RUnlock()

	// Archived, fallback, and pending records live in the durable store.
	rec, err := v.marks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListMarks lists a partition's active marks with optional filters.
func (v *Manager) ListMarks(partition domain.PartitionID, filter domain.ListFilter) ([]*domain.Mark, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	part, err := v.partition(partition)
	if err != nil {
		return nil, err
	}

	var out []*domain.Mark
	part.Each(func(m *domain.Mark) {
		if filter.DivergentOnly && !m.Divergent {
			return
		}
		if m.Weight < filter.MinWeight {
			return
		}
		out = append(out, m.Clone())
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Telemetry returns a partition's aggregate snapshot.
func (v *Manager) Telemetry(partition domain.PartitionID) (domain.PartitionTelemetry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	part, err := v.partition(partition)
	if err != nil {
		return domain.PartitionTelemetry{}, err
	}
	return part.Snapshot(), nil
}

// Interference returns the monitor's latest report.
func (v *Manager) Interference() domain.InterferenceReport {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.monitor.Report()
}

// LatestAudit returns the most recent persisted optimizer report.
func (v *Manager) LatestAudit(ctx context.Context) (*domain.AuditReport, error) {
	return v.audits.Latest(ctx)
}

// FallbackDepth exposes the fallback queue depth for monitoring.
func (v *Manager) FallbackDepth() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fracture.FallbackDepth()
}

// PendingCount exposes the number of marks awaiting admission.
func (v *Manager) PendingCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.admission.PendingCount()
}

func (v *Manager) partition(id domain.PartitionID) (*Partition, error) {
	switch id {
	case domain.PartitionA:
		return v.a, nil
	case domain.PartitionB:
		return v.b, nil
	default:
		return nil, ErrUnknownPartition
	}
}

func record(m *domain.Mark, part domain.PartitionID, state domain.MarkState, reason domain.ArchiveReason, cycle int64) *domain.MarkRecord {
	return &domain.MarkRecord{
		Mark:          *m,
		Partition:     part,
		State:         state,
		ArchiveReason: reason,
		UpdatedCycle:  cycle,
	}
}
