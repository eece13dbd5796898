package engine

import (
	"sync"
	"testing"
)

func seedRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, id := range ids {
		r.Put(&Deployment{
			ID:        id,
			Status:    StatusPending,
			Outputs:   map[string]any{},
			CreatedAt: nowUTC(),
		})
	}
	return r
}

func TestRegistryPutKeepsInsertionOrder(t *testing.T) {
	r := seedRegistry(t, "a", "b", "c")

	// Re-registering keeps the original position.
	r.Put(&Deployment{ID: "b", Status: StatusCompleted, Outputs: map[string]any{}})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d].ID = %s, want %s", i, list[i].ID, id)
		}
	}
	if list[1].Status != StatusCompleted {
		t.Errorf("replaced record not visible: %s", list[1].Status)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	r := seedRegistry(t, "a")
	r.AppendLog("a", "line 1")
	r.mergeOutputs("a", map[string]any{"k": "v"})

	snap, ok := r.Snapshot("a")
	if !ok {
		t.Fatal("snapshot missing")
	}

	// Mutations after the snapshot must not leak into it.
	r.AppendLog("a", "line 2")
	r.mergeOutputs("a", map[string]any{"k": "changed"})

	if len(snap.Log) != 1 {
		t.Errorf("snapshot log grew: %v", snap.Log)
	}
	if snap.Outputs["k"] != "v" {
		t.Errorf("snapshot outputs mutated: %v", snap.Outputs["k"])
	}
}

func TestLogsSinceCursor(t *testing.T) {
	r := seedRegistry(t, "a")
	r.AppendLog("a", "one")
	r.AppendLog("a", "two")

	lines, next, status, ok := r.LogsSince("a", 0)
	if !ok {
		t.Fatal("deployment not found")
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("lines = %v", lines)
	}
	if next != 2 {
		t.Errorf("next = %d, want 2", next)
	}
	if status != StatusPending {
		t.Errorf("status = %s, want pending", status)
	}

	// Nothing new yet.
	lines, next, _, _ = r.LogsSince("a", next)
	if len(lines) != 0 || next != 2 {
		t.Errorf("lines = %v, next = %d", lines, next)
	}

	r.AppendLog("a", "three")
	lines, next, _, _ = r.LogsSince("a", next)
	if len(lines) != 1 || lines[0] != "three" {
		t.Errorf("lines = %v", lines)
	}
	if next != 3 {
		t.Errorf("next = %d, want 3", next)
	}
}

func TestLogsSinceClampsCursor(t *testing.T) {
	r := seedRegistry(t, "a")
	r.AppendLog("a", "one")

	lines, next, _, ok := r.LogsSince("a", -5)
	if !ok || len(lines) != 1 || next != 1 {
		t.Errorf("negative cursor: lines = %v, next = %d", lines, next)
	}

	lines, next, _, ok = r.LogsSince("a", 99)
	if !ok || len(lines) != 0 || next != 1 {
		t.Errorf("overshoot cursor: lines = %v, next = %d", lines, next)
	}

	if _, _, _, ok := r.LogsSince("missing", 0); ok {
		t.Error("expected not found for unknown id")
	}
}

func TestConcurrentReadersWithOneWriter(t *testing.T) {
	r := seedRegistry(t, "a")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.AppendLog("a", "line")
		}
	}()

	for reader := 0; reader < 4; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cursor := 0
			for i := 0; i < 100; i++ {
				lines, next, _, ok := r.LogsSince("a", cursor)
				if !ok {
					t.Error("deployment vanished")
					return
				}
				if next < cursor+len(lines) {
					t.Errorf("cursor went backwards: %d -> %d", cursor, next)
					return
				}
				cursor = next
			}
		}()
	}
	wg.Wait()
}

func TestClearOutputs(t *testing.T) {
	r := seedRegistry(t, "a")
	r.mergeOutputs("a", map[string]any{"endpoint": "https://x", "key": "secret"})
	r.clearOutputs("a")

	snap, _ := r.Snapshot("a")
	if len(snap.Outputs) != 0 {
		t.Errorf("outputs not cleared: %v", snap.Outputs)
	}
}

func TestSetOutputIfAbsent(t *testing.T) {
	r := seedRegistry(t, "a")
	r.setOutputIfAbsent("a", "k", "first")
	r.setOutputIfAbsent("a", "k", "second")

	snap, _ := r.Snapshot("a")
	if snap.Outputs["k"] != "first" {
		t.Errorf("outputs[k] = %v, want first kept", snap.Outputs["k"])
	}
}

func TestTryBeginRunAdmitsExactlyOne(t *testing.T) {
	r := NewRegistry()
	r.Put(&Deployment{ID: "d1", Status: StatusCompleted, Outputs: map[string]any{}})

	var wg sync.WaitGroup
	wins := make(chan Status, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if from, err := r.tryBeginRun("d1", StatusDestroying, nil); err == nil {
				wins <- from
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for from := range wins {
		winners++
		if from != StatusCompleted {
			t.Errorf("winner saw prior status %s, want completed", from)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	status, _ := r.Status("d1")
	if status != StatusDestroying {
		t.Errorf("status = %s, want destroying", status)
	}
}

func TestTryBeginRunRejections(t *testing.T) {
	r := seedRegistry(t, "d1")

	if _, err := r.tryBeginRun("missing", StatusProvisioning, nil); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND for unknown id, got %v", err)
	}

	reject := func(s Status) error {
		return NewPermanentError("ineligible", nil).WithCode(ErrCodePrecondition)
	}
	if _, err := r.tryBeginRun("d1", StatusProvisioning, reject); !HasCode(err, ErrCodePrecondition) {
		t.Errorf("expected PRECONDITION from the eligibility check, got %v", err)
	}
	if status, _ := r.Status("d1"); status != StatusPending {
		t.Errorf("status changed on rejection: %s", status)
	}

	if _, err := r.tryBeginRun("d1", StatusProvisioning, nil); err != nil {
		t.Fatalf("eligible entry rejected: %v", err)
	}
	if _, err := r.tryBeginRun("d1", StatusDestroying, nil); !HasCode(err, ErrCodeConflict) {
		t.Errorf("expected CONFLICT while active, got %v", err)
	}
}
