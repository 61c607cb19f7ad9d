package vault

import (
	"fmt"
	"testing"

	"github.com/scarvault/scarvault/internal/domain"
)

func fillPartition(p *Partition, n int) {
	for i := 0; i < n; i++ {
		m := newMark(float64(i%360), 0, 0)
		m.DeltaEntropy = float64(i) / 1000
		m.Refs = []string{fmt.Sprintf("r%d-1", i), fmt.Sprintf("r%d-2", i)}
		p.Insert(m)
	}
}

func TestFractureNotTriggeredAtThreshold(t *testing.T) {
	a := NewPartition(domain.PartitionA, 1000)
	b := NewPartition(domain.PartitionB, 1000)
	f := NewFractureController()

	fillPartition(a, 800) // stress exactly 0.8

	if event := f.Check(a, b); event != nil {
		t.Fatalf("fracture fired at stress %v", a.Stress())
	}
	if a.Locked() || b.Locked() {
		t.Error("partitions locked without a trigger")
	}
}

func TestFractureLockShedIsolate(t *testing.T) {
	a := NewPartition(domain.PartitionA, 1000)
	b := NewPartition(domain.PartitionB, 1000)
	f := NewFractureController()
	r := NewRouter()

	fillPartition(a, 850)

	event := f.Check(a, b)
	if event == nil {
		t.Fatalf("no fracture at stress %v", a.Stress())
	}
	if event.Partition != domain.PartitionA {
		t.Errorf("fractured partition = %v", event.Partition)
	}

	// 20% of the top 10% of 850: 17 marks rerouted.
	if len(event.Shed) != 17 {
		t.Errorf("shed = %d, want 17", len(event.Shed))
	}
	if f.FallbackDepth() != 17 {
		t.Errorf("fallback depth = %d", f.FallbackDepth())
	}
	if a.Count() != 833 {
		t.Errorf("partition count after shed = %d", a.Count())
	}

	// Shed selection is the highest delta-entropy slice.
	for _, rm := range event.Shed {
		if rm.Mark.DeltaEntropy < 0.833 {
			t.Errorf("shed mark with delta entropy %v, top slice starts at 0.833", rm.Mark.DeltaEntropy)
		}
		if rm.State != domain.StateFallback {
			t.Errorf("shed state = %v", rm.State)
		}
	}

	if !a.Locked() || !b.Locked() {
		t.Error("both partitions must lock")
	}
	if f.State() != FractureIsolated {
		t.Errorf("state = %v", f.State())
	}

	// No re-trigger while isolated.
	if again := f.Check(a, b); again != nil {
		t.Error("fracture re-fired during isolation")
	}

	// Isolation holds exactly three cycles, then both unlock.
	for i := 0; i < IsolationCycles-1; i++ {
		if placed := f.Advance(int64(i+2), r, a, b); placed != nil {
			t.Fatalf("reintegration during isolation cycle %d", i)
		}
		if !a.Locked() {
			t.Fatalf("unlocked early on cycle %d", i)
		}
	}

	placed := f.Advance(int64(IsolationCycles+1), r, a, b)
	if a.Locked() || b.Locked() {
		t.Error("still locked after isolation expired")
	}
	if f.State() != FractureNormal {
		t.Errorf("state after isolation = %v", f.State())
	}
	if len(placed) != 17 {
		t.Errorf("drained %d on first normal cycle, want all 17", len(placed))
	}
}

func TestFractureDrainThrottleAndOrder(t *testing.T) {
	a := NewPartition(domain.PartitionA, 1000)
	b := NewPartition(domain.PartitionB, 1000)
	f := NewFractureController()
	r := NewRouter()

	var queued []*domain.Mark
	for i := 0; i < DrainPerCycle+20; i++ {
		m := newMark(float64(i%360), 0, 0)
		queued = append(queued, m)
		f.Enqueue(m)
	}

	placed := f.Advance(1, r, a, b)
	if len(placed) != DrainPerCycle {
		t.Fatalf("drained %d, want throttle at %d", len(placed), DrainPerCycle)
	}
	// FIFO: the first enqueued marks drain first.
	for i, p := range placed {
		if p.Mark.ID != queued[i].ID {
			t.Fatalf("drain order broken at %d", i)
		}
		if p.Mark.ReflectionCount != 1 {
			t.Errorf("reintegration did not count a reflection hop")
		}
		if p.Mark.AdmittedCycle != 1 {
			t.Errorf("admitted cycle = %d", p.Mark.AdmittedCycle)
		}
	}

	placed = f.Advance(2, r, a, b)
	if len(placed) != 20 {
		t.Errorf("second drain = %d, want remaining 20", len(placed))
	}
	if f.FallbackDepth() != 0 {
		t.Errorf("fallback depth = %d after full drain", f.FallbackDepth())
	}
}

func TestFractureChoosesMoreStressedPartition(t *testing.T) {
	a := NewPartition(domain.PartitionA, 1000)
	b := NewPartition(domain.PartitionB, 1000)
	f := NewFractureController()

	fillPartition(a, 820)
	fillPartition(b, 900)

	event := f.Check(a, b)
	if event == nil || event.Partition != domain.PartitionB {
		t.Fatalf("event = %+v, want partition B shed", event)
	}
	if a.Count() != 820 {
		t.Error("unstressed partition lost marks")
	}
}
