package framecodec

import (
	"bytes"
	"testing"
)

func testKey(b byte) [KeySize]byte {
	var k [KeySize]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New()
	if err := c.SetKey(testKey(1), 1); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	frame := []byte("encoded video frame payload")
	ciphertext, err := c.Encrypt(KindVideo, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if len(ciphertext) != len(frame)+OverheadSize {
		t.Fatalf("expected %d bytes, got %d", len(frame)+OverheadSize, len(ciphertext))
	}

	plaintext, err := c.Decrypt(KindVideo, 1, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.Equal(plaintext, frame) {
		t.Fatalf("round-tripped frame mismatch: got %q want %q", plaintext, frame)
	}
}

func TestEncryptWithoutKeyFails(t *testing.T) {
	c := New()
	if _, err := c.Encrypt(KindAudio, []byte("x")); err != ErrNotInitialised {
		t.Fatalf("expected ErrNotInitialised, got %v", err)
	}
}

func TestDecryptWithoutKeyFails(t *testing.T) {
	c := New()
	if _, err := c.Decrypt(KindAudio, 1, make([]byte, OverheadSize)); err != ErrNotInitialised {
		t.Fatalf("expected ErrNotInitialised, got %v", err)
	}
}

func TestDecryptTooShort(t *testing.T) {
	c := New()
	if err := c.SetKey(testKey(1), 1); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	if _, err := c.Decrypt(KindAudio, 1, make([]byte, OverheadSize-1)); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestTamperedCiphertextFailsAuth(t *testing.T) {
	c := New()
	if err := c.SetKey(testKey(1), 1); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	ciphertext, err := c.Encrypt(KindAudio, []byte("audio payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := c.Decrypt(KindAudio, 1, ciphertext); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestKeySeparationAcrossGenerations(t *testing.T) {
	sender := New()
	if err := sender.SetKey(testKey(1), 1); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	ciphertext, err := sender.Encrypt(KindVideo, []byte("frame"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	receiver := New()
	if err := receiver.SetKey(testKey(2), 2); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	if _, err := receiver.Decrypt(KindVideo, 1, ciphertext); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure across generations, got %v", err)
	}
}

func TestKindMismatchFailsAuth(t *testing.T) {
	c := New()
	if err := c.SetKey(testKey(1), 1); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	ciphertext, err := c.Encrypt(KindAudio, []byte("frame"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := c.Decrypt(KindVideo, 1, ciphertext); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure for mismatched kind, got %v", err)
	}
}

func TestDistinctIVsProduceDistinctCiphertexts(t *testing.T) {
	c := New()
	if err := c.SetKey(testKey(1), 1); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	frame := []byte("identical plaintext")
	a, err := c.Encrypt(KindAudio, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	b, err := c.Encrypt(KindAudio, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if bytes.Equal(a, b) {
		t.Fatal("expected distinct ciphertexts for distinct random IVs")
	}
}

func BenchmarkEncrypt(b *testing.B) {
	c := New()
	if err := c.SetKey(testKey(1), 1); err != nil {
		b.Fatalf("SetKey: %v", err)
	}
	frame := make([]byte, 1200)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Encrypt(KindVideo, frame); err != nil {
			b.Fatalf("Encrypt: %v", err)
		}
	}
}

func BenchmarkDecrypt(b *testing.B) {
	c := New()
	if err := c.SetKey(testKey(1), 1); err != nil {
		b.Fatalf("SetKey: %v", err)
	}
	frame := make([]byte, 1200)
	ciphertext, err := c.Encrypt(KindVideo, frame)
	if err != nil {
		b.Fatalf("Encrypt: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Decrypt(KindVideo, 1, ciphertext); err != nil {
			b.Fatalf("Decrypt: %v", err)
		}
	}
}
