package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scarvault/scarvault/internal/domain"
)

type memMarkStore struct {
	mu        sync.Mutex
	recs      map[uuid.UUID]*domain.MarkRecord
	upsertErr error
}

func newMemMarkStore() *memMarkStore {
	return &memMarkStore{recs: make(map[uuid.UUID]*domain.MarkRecord)}
}

func (s *memMarkStore) Upsert(ctx context.Context, rec *domain.MarkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *memMarkStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.MarkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, domain.ErrMarkNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memMarkStore) ListByState(ctx context.Context, state domain.MarkState) ([]domain.MarkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MarkRecord
	for _, rec := range s.recs {
		if rec.State == state {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *memMarkStore) FindSimilar(ctx context.Context, id uuid.UUID, limit int) ([]domain.MarkWithScore, error) {
	return nil, nil
}

func (s *memMarkStore) stateOf(id uuid.UUID) domain.MarkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		return rec.State
	}
	return ""
}

type memAuditStore struct {
	mu      sync.Mutex
	reports []*domain.AuditReport
}

func (s *memAuditStore) Save(ctx context.Context, r *domain.AuditReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *memAuditStore) Latest(ctx context.Context) (*domain.AuditReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return nil, errors.New("no reports")
	}
	return s.reports[len(s.reports)-1], nil
}

func testManager(marks *memMarkStore) *Manager {
	return NewManager(marks, &memAuditStore{}, Config{
		Capacity:      100,
		InertCapacity: 10,
		CycleInterval: time.Second,
	}, zap.NewNop())
}

func TestSubmitValidation(t *testing.T) {
	marks := newMemMarkStore()
	v := testManager(marks)

	m := newMark(10, 0.2, 0.1)
	m.Refs = []string{"only-one"}

	if err := v.Submit(context.Background(), m); !errors.Is(err, domain.ErrTooFewRefs) {
		t.Fatalf("Submit() = %v, want ErrTooFewRefs", err)
	}
	if len(marks.recs) != 0 {
		t.Error("invalid mark was persisted")
	}
	if v.PendingCount() != 0 {
		t.Error("invalid mark was enqueued")
	}
}

func TestSubmitPersistsPendingBeforeAck(t *testing.T) {
	marks := newMemMarkStore()
	v := testManager(marks)

	m := newMark(10, 0.2, 0.1)
	if err := v.Submit(context.Background(), m); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if got := marks.stateOf(m.ID); got != domain.StatePending {
		t.Errorf("persisted state = %q, want pending", got)
	}
	if v.PendingCount() != 1 {
		t.Errorf("pending = %d", v.PendingCount())
	}
}

func TestSubmitRejectsDuplicateIdentity(t *testing.T) {
	v := testManager(newMemMarkStore())

	m := newMark(10, 0.2, 0.1)
	if err := v.Submit(context.Background(), m); err != nil {
		t.Fatalf("first Submit() = %v", err)
	}
	dup := newMark(50, 0.2, 0.1)
	dup.ID = m.ID
	if err := v.Submit(context.Background(), dup); !errors.Is(err, domain.ErrDuplicateIdentity) {
		t.Errorf("duplicate Submit() = %v", err)
	}
}

func TestSubmitFailsWhenStoreDown(t *testing.T) {
	marks := newMemMarkStore()
	marks.upsertErr = errors.New("connection refused")
	v := testManager(marks)

	if err := v.Submit(context.Background(), newMark(10, 0.2, 0.1)); err == nil {
		t.Fatal("Submit() succeeded with a failing store")
	}
	if v.PendingCount() != 0 {
		t.Error("unpersisted mark was enqueued")
	}
}

func TestStepPlacesSubmission(t *testing.T) {
	marks := newMemMarkStore()
	v := testManager(marks)
	ctx := context.Background()

	m := newMark(10, 0.9, 0.1)
	if err := v.Submit(ctx, m); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if err := v.Step(ctx); err != nil {
		t.Fatalf("Step() = %v", err)
	}

	if v.Cycle() != 1 {
		t.Errorf("cycle = %d, want 1", v.Cycle())
	}
	rec, err := v.GetMark(ctx, m.ID, false)
	if err != nil {
		t.Fatalf("GetMark() = %v", err)
	}
	if rec.State != domain.StateActive || rec.Partition != domain.PartitionA {
		t.Errorf("record = state %v partition %v", rec.State, rec.Partition)
	}
	if got := marks.stateOf(m.ID); got != domain.StateActive {
		t.Errorf("persisted state = %q, want active", got)
	}

	snap, err := v.Telemetry(domain.PartitionA)
	if err != nil {
		t.Fatalf("Telemetry() = %v", err)
	}
	if snap.ActiveCount != 1 {
		t.Errorf("telemetry active = %d", snap.ActiveCount)
	}
}

func TestGetMarkUnknown(t *testing.T) {
	v := testManager(newMemMarkStore())
	if _, err := v.GetMark(context.Background(), uuid.New(), true); !errors.Is(err, domain.ErrMarkNotFound) {
		t.Errorf("GetMark() = %v, want ErrMarkNotFound", err)
	}
}

func TestListMarksFilters(t *testing.T) {
	marks := newMemMarkStore()
	v := testManager(marks)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m := newMark(float64(100+40*i), 0.9, 0.1)
		if err := v.Submit(ctx, m); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
	}
	if err := v.Step(ctx); err != nil {
		t.Fatalf("Step() = %v", err)
	}

	all, err := v.ListMarks(domain.PartitionA, domain.ListFilter{})
	if err != nil {
		t.Fatalf("ListMarks() = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d, want 3", len(all))
	}

	limited, _ := v.ListMarks(domain.PartitionA, domain.ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limited list = %d", len(limited))
	}

	divergent, _ := v.ListMarks(domain.PartitionA, domain.ListFilter{DivergentOnly: true})
	if len(divergent) != 0 {
		t.Errorf("divergent list = %d", len(divergent))
	}

	if _, err := v.ListMarks("C", domain.ListFilter{}); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("unknown partition error = %v", err)
	}
}

func TestStepRetriesUnflushedTransitions(t *testing.T) {
	marks := newMemMarkStore()
	v := testManager(marks)
	ctx := context.Background()

	m := newMark(10, 0.9, 0.1)
	if err := v.Submit(ctx, m); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	marks.mu.Lock()
	marks.upsertErr = errors.New("disk full")
	marks.mu.Unlock()

	if err := v.Step(ctx); err == nil {
		t.Fatal("Step() succeeded with a failing store")
	}
	cycleAfterFailure := v.Cycle()

	marks.mu.Lock()
	marks.upsertErr = nil
	marks.mu.Unlock()

	if err := v.Step(ctx); err != nil {
		t.Fatalf("recovery Step() = %v", err)
	}
	if got := marks.stateOf(m.ID); got != domain.StateActive {
		t.Errorf("persisted state after recovery = %q", got)
	}
	if v.Cycle() != cycleAfterFailure+1 {
		t.Errorf("cycle = %d after recovery, want %d", v.Cycle(), cycleAfterFailure+1)
	}
}

func TestRestoreRebuildsState(t *testing.T) {
	marks := newMemMarkStore()
	ctx := context.Background()

	activeMark := newMark(100, 0.2, 0.1)
	activeMark.PostEntropy = 0.4
	quarMark := newMark(50, 0.2, 0.1)
	quarMark.Quarantined = true
	fallbackMark := newMark(70, 0.2, 0.1)
	pendingMark := newMark(30, 0.2, 0.1)

	seed := []*domain.MarkRecord{
		{Mark: *activeMark, Partition: domain.PartitionB, State: domain.StateActive, UpdatedCycle: 7},
		{Mark: *quarMark, State: domain.StateQuarantined, UpdatedCycle: 5},
		{Mark: *fallbackMark, State: domain.StateFallback, UpdatedCycle: 6},
		{Mark: *pendingMark, State: domain.StatePending, UpdatedCycle: 7},
	}
	for _, rec := range seed {
		if err := marks.Upsert(ctx, rec); err != nil {
			t.Fatalf("seed Upsert() = %v", err)
		}
	}

	v := testManager(marks)
	if err := v.Restore(ctx); err != nil {
		t.Fatalf("Restore() = %v", err)
	}

	if v.Cycle() != 7 {
		t.Errorf("restored cycle = %d, want 7", v.Cycle())
	}

	rec, err := v.GetMark(ctx, activeMark.ID, false)
	if err != nil {
		t.Fatalf("restored active mark: %v", err)
	}
	if rec.Partition != domain.PartitionB {
		t.Errorf("restored partition = %v", rec.Partition)
	}

	snap, _ := v.Telemetry(domain.PartitionB)
	if snap.ActiveCount != 1 || snap.EntropySum != 0.4 {
		t.Errorf("restored aggregates: %+v", snap)
	}

	if _, err := v.GetMark(ctx, quarMark.ID, false); !errors.Is(err, domain.ErrMarkNotFound) {
		t.Error("quarantined mark visible without include_inactive")
	}
	if rec, err := v.GetMark(ctx, quarMark.ID, true); err != nil || rec.State != domain.StateQuarantined {
		t.Errorf("quarantined mark lookup: %v, %v", rec, err)
	}

	if v.FallbackDepth() != 1 {
		t.Errorf("fallback depth = %d", v.FallbackDepth())
	}
	if v.PendingCount() != 1 {
		t.Errorf("pending = %d", v.PendingCount())
	}

	// Restored identities still block duplicate submissions.
	dup := newMark(10, 0.2, 0.1)
	dup.ID = fallbackMark.ID
	if err := v.Submit(ctx, dup); !errors.Is(err, domain.ErrDuplicateIdentity) {
		t.Errorf("duplicate of restored mark: %v", err)
	}
}

func TestStartStopCycleWorker(t *testing.T) {
	marks := newMemMarkStore()
	v := testManager(marks)
	v.SetInterval(5 * time.Millisecond)

	v.Start()
	time.Sleep(40 * time.Millisecond)
	v.Stop()

	if v.Cycle() == 0 {
		t.Error("worker never advanced the cycle")
	}
}
