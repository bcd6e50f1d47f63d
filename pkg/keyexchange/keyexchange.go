// Package keyexchange derives the active frame-encryption KeyMaterial from an
// ECDH P-256 shared secret. It owns the generation counter: every successful
// derivation increments it by one, and the resulting KeyMaterial records the
// generation and the remote fingerprint it was derived under.
package keyexchange

import (
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/pulsecall/e2ee-core/pkg/crypto/classical"
	"github.com/pulsecall/e2ee-core/pkg/crypto/fingerprint"
)

// KDFInfo is the HKDF info parameter binding derived keys to this protocol.
// Both peers must use the same constant for the derivation to agree.
const KDFInfo = "pulsecall-e2ee-v1-media-key"

// KeySize is the AES-256-GCM key size derived by the engine.
const KeySize = 32

var (
	// ErrDerivationFailed indicates the HKDF expansion step failed.
	ErrDerivationFailed = errors.New("key derivation failed")
	// ErrNoActiveMaterial indicates Current was called before any derivation.
	ErrNoActiveMaterial = errors.New("no active key material")
)

// KeyMaterial is the currently active symmetric key plus the bookkeeping the
// rest of the pipeline needs to reason about it. Exactly one is live at a
// time; Engine never exposes more than the latest.
type KeyMaterial struct {
	Key             [KeySize]byte
	CreatedAt       time.Time
	Generation      uint64
	PeerFingerprint string
}

// Engine generates ephemeral ECDH keypairs and derives KeyMaterial from the
// resulting shared secret. It is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	generation uint64
	current    *KeyMaterial
}

// New constructs an Engine with no derived material yet (generation 0).
func New() *Engine {
	return &Engine{}
}

// GenerateEphemeral produces a fresh ephemeral ECDH keypair for one side of
// an exchange or rotation round.
func GenerateEphemeral() (*classical.ECDHKeyPair, error) {
	return classical.GenerateECDHKeyPair()
}

// Derive runs the P-256 ECDH exchange between local and the peer's raw
// uncompressed public-key bytes, expands the shared secret with HKDF-SHA256,
// and installs the result as the new current KeyMaterial. The generation
// counter increments by exactly one on every successful call.
func (e *Engine) Derive(local *ecdh.PrivateKey, peerPublicRaw []byte, peerFingerprint string) (*KeyMaterial, error) {
	peerPublic, err := classical.ParseECDHPublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	secret, err := classical.ECDHExchange(local, peerPublic)
	if err != nil {
		return nil, err
	}

	key, err := expand(secret)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation++
	material := &KeyMaterial{
		Key:             key,
		CreatedAt:       time.Now(),
		Generation:      e.generation,
		PeerFingerprint: peerFingerprint,
	}
	e.current = material

	return material, nil
}

// expand runs HKDF-SHA256 over the raw ECDH shared secret to produce a
// uniformly-distributed AES-256 key. No salt: both sides derive from the
// same secret and info string and must agree without a pre-shared salt.
func expand(sharedSecret []byte) ([KeySize]byte, error) {
	var key [KeySize]byte

	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(KDFInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("%w: %v", ErrDerivationFailed, err)
	}

	return key, nil
}

// Current returns the most recently derived KeyMaterial.
func (e *Engine) Current() (*KeyMaterial, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return nil, ErrNoActiveMaterial
	}

	return e.current, nil
}

// Generation reports the current generation counter, 0 before any derivation.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// FingerprintOf computes the SHA-256 hex fingerprint of a raw ECDH public key,
// the value carried in key-exchange messages and shown as part of the safety
// number.
func FingerprintOf(publicKey []byte) (string, error) {
	return fingerprint.Of(publicKey)
}
