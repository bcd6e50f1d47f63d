// Package classical provides the NIST P-256 primitives the media pipeline's
// key exchange and signature envelopes are built on: ECDH for key agreement
// and ECDSA for message authentication.
package classical

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
)

// ECDHPublicKeySize is the length of an uncompressed P-256 point (0x04 || X || Y).
const ECDHPublicKeySize = 65

var (
	// ErrInvalidPublicKey indicates the public key bytes are not a valid P-256 point.
	ErrInvalidPublicKey = errors.New("invalid public key format")
	// ErrKeyGenerationFailed indicates ephemeral key generation failed.
	ErrKeyGenerationFailed = errors.New("key generation failed")
	// ErrECDHFailed indicates the ECDH scalar multiplication failed.
	ErrECDHFailed = errors.New("ECDH operation failed")
)

// ECDHKeyPair is an ephemeral P-256 key-agreement keypair.
type ECDHKeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateECDHKeyPair generates a fresh ephemeral P-256 keypair.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	return &ECDHKeyPair{
		Private: priv,
		Public:  priv.PublicKey(),
	}, nil
}

// PublicKeyBytes returns the uncompressed raw point encoding of the public key.
func (kp *ECDHKeyPair) PublicKeyBytes() []byte {
	return kp.Public.Bytes()
}

// ParseECDHPublicKey parses an uncompressed P-256 point from wire bytes.
func ParseECDHPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != ECDHPublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ECDHPublicKeySize, len(raw))
	}

	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	return pub, nil
}

// ECDHExchange performs the P-256 Diffie-Hellman scalar multiplication and
// returns the raw shared X-coordinate. Callers must run this through a KDF
// before using it as key material; it is never usable as a symmetric key
// directly.
func ECDHExchange(private *ecdh.PrivateKey, peerPublic *ecdh.PublicKey) ([]byte, error) {
	if private == nil || peerPublic == nil {
		return nil, ErrInvalidPublicKey
	}

	secret, err := private.ECDH(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrECDHFailed, err)
	}

	return secret, nil
}
