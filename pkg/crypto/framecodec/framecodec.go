// Package framecodec encrypts and decrypts individual media frames with
// AES-256-GCM. It is the per-frame primitive the pipeline adapter in
// pkg/mediapipeline drives once per audio or video frame crossing the wire.
package framecodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// IVSize is the size in bytes of the random per-frame GCM IV (96 bits).
	IVSize = 12
	// TagSize is the size in bytes of the GCM authentication tag (128 bits).
	TagSize = 16
	// OverheadSize is the total per-frame overhead added by Encrypt.
	OverheadSize = IVSize + TagSize
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
)

var (
	// ErrNotInitialised indicates encrypt/decrypt was called with no key set.
	ErrNotInitialised = errors.New("frame codec: not initialised")
	// ErrCryptoFailure indicates the underlying AES-GCM construction failed.
	ErrCryptoFailure = errors.New("frame codec: crypto failure")
	// ErrTooShort indicates the input is shorter than the minimum overhead.
	ErrTooShort = errors.New("frame codec: ciphertext too short")
	// ErrAuthFailure indicates GCM tag verification failed: wrong key, wrong
	// generation, corrupted IV, or tampering.
	ErrAuthFailure = errors.New("frame codec: authentication failure")
)

// Kind distinguishes the media track a frame belongs to. It is bound as AEAD
// associated data alongside the key generation (see DESIGN.md open question
// decision on associated-data binding).
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
)

// String renders the kind for logging and stats keys.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Codec encrypts and decrypts frames under a single AES-256-GCM key. It is
// stateless beyond that key: callers construct a new Codec (or call SetKey)
// whenever KeyMaterial rotates.
type Codec struct {
	aead       cipher.AEAD
	generation uint64
	ready      bool
}

// New constructs a Codec with no key set; Encrypt/Decrypt return
// ErrNotInitialised until SetKey is called.
func New() *Codec {
	return &Codec{}
}

// SetKey installs the AES-256-GCM key for the given generation. Call this
// whenever the key-exchange engine (C3) derives new KeyMaterial.
func (c *Codec) SetKey(key [KeySize]byte, generation uint64) error {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	c.aead = aead
	c.generation = generation
	c.ready = true
	return nil
}

// associatedData builds the binding covering the frame kind and the key
// generation that produced the ciphertext.
func associatedData(kind Kind, generation uint64) []byte {
	ad := make([]byte, 9)
	ad[0] = byte(kind)
	binary.BigEndian.PutUint64(ad[1:], generation)
	return ad
}

// Encrypt seals frameBytes under the current key and returns a buffer laid
// out as IV ‖ ciphertext ‖ tag, OverheadSize bytes larger than the input.
func (c *Codec) Encrypt(kind Kind, frameBytes []byte) ([]byte, error) {
	if !c.ready {
		return nil, ErrNotInitialised
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	out := make([]byte, IVSize, IVSize+len(frameBytes)+TagSize)
	copy(out, iv)

	ad := associatedData(kind, c.generation)
	out = c.aead.Seal(out, iv, frameBytes, ad)
	return out, nil
}

// Decrypt opens a buffer produced by Encrypt for the given kind and
// generation. A mismatched generation, flipped bit, or wrong key all surface
// as ErrAuthFailure so callers cannot distinguish the cause (see spec §4.3,
// "attempted with the current key and discarded on AuthFailure").
func (c *Codec) Decrypt(kind Kind, generation uint64, frame []byte) ([]byte, error) {
	if !c.ready {
		return nil, ErrNotInitialised
	}

	if len(frame) < OverheadSize {
		return nil, ErrTooShort
	}

	iv := frame[:IVSize]
	ciphertext := frame[IVSize:]

	ad := associatedData(kind, generation)
	plaintext, err := c.aead.Open(nil, iv, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailure
	}

	return plaintext, nil
}

// Generation reports the key generation this codec currently holds.
func (c *Codec) Generation() uint64 {
	return c.generation
}

// Ready reports whether a key has been installed.
func (c *Codec) Ready() bool {
	return c.ready
}
