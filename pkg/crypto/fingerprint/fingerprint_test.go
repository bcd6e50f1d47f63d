package fingerprint

import "testing"

func TestOfIsDeterministic(t *testing.T) {
	key := []byte{0x04, 0x01, 0x02, 0x03}

	a, err := Of(key)
	if err != nil {
		t.Fatalf("Of: %v", err)
	}

	b, err := Of(key)
	if err != nil {
		t.Fatalf("Of: %v", err)
	}

	if a != b {
		t.Fatal("fingerprint of identical input differs between calls")
	}

	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestOfRejectsEmpty(t *testing.T) {
	if _, err := Of(nil); err == nil {
		t.Fatal("expected error for empty public key")
	}
}

func TestOfDiffersForDifferentInputs(t *testing.T) {
	a, _ := Of([]byte{0x01})
	b, _ := Of([]byte{0x02})

	if a == b {
		t.Fatal("expected different fingerprints for different inputs")
	}
}

func TestFormatChunksInGroupsOfFour(t *testing.T) {
	got := Format("abcdefgh")
	want := "abcd efgh"
	if got != want {
		t.Fatalf("Format() = %q, want %q", got, want)
	}
}

func TestFormatHandlesRemainder(t *testing.T) {
	got := Format("abcde")
	want := "abcd e"
	if got != want {
		t.Fatalf("Format() = %q, want %q", got, want)
	}
}

func TestSafetyNumberConcatenatesAndChunks(t *testing.T) {
	local := "aaaa"
	remote := "bbbb"

	got := SafetyNumber(local, remote)
	want := "aaaa bbbb"
	if got != want {
		t.Fatalf("SafetyNumber() = %q, want %q", got, want)
	}
}
