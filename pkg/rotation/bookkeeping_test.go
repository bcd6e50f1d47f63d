package rotation

import "testing"

func TestProcessedSetMarkAndContains(t *testing.T) {
	set := NewProcessedSet()

	if set.Contains(1) {
		t.Fatal("expected generation 1 to be unmarked initially")
	}

	set.Mark(1)

	if !set.Contains(1) {
		t.Fatal("expected generation 1 to be marked")
	}
}

func TestProcessedSetEvictsOldestBeyondCapacity(t *testing.T) {
	set := NewProcessedSet()

	for i := uint64(1); i <= ProcessedSetCapacity+2; i++ {
		set.Mark(i)
	}

	if set.Len() != ProcessedSetCapacity {
		t.Fatalf("expected length capped at %d, got %d", ProcessedSetCapacity, set.Len())
	}

	if set.Contains(1) || set.Contains(2) {
		t.Fatal("expected the two oldest generations to be evicted")
	}

	if !set.Contains(ProcessedSetCapacity + 2) {
		t.Fatal("expected the most recent generation to remain")
	}
}

func TestBookkeepingPendingLifecycle(t *testing.T) {
	b := NewBookkeeping()

	if _, ok := b.PendingResponseGeneration(); ok {
		t.Fatal("expected no pending generation initially")
	}

	b.BeginRotation(2)

	gen, ok := b.PendingResponseGeneration()
	if !ok || gen != 2 {
		t.Fatalf("expected pending generation 2, got %d (ok=%v)", gen, ok)
	}

	if b.LastInitiatedGeneration() != 2 {
		t.Fatalf("expected last initiated generation 2, got %d", b.LastInitiatedGeneration())
	}

	b.ClearPending()

	if _, ok := b.PendingResponseGeneration(); ok {
		t.Fatal("expected pending generation cleared")
	}
}

func TestSecureZeroWipesKey(t *testing.T) {
	key := [32]byte{}
	for i := range key {
		key[i] = byte(i + 1)
	}

	SecureZero(&key)

	if !VerifyZeroed(&key) {
		t.Fatal("expected key to be zeroed")
	}
}

func TestZeroSliceWipesData(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroSlice(data)

	for _, b := range data {
		if b != 0 {
			t.Fatal("expected all bytes zeroed")
		}
	}
}
