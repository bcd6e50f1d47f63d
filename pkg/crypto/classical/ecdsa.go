package classical

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature indicates the signature failed verification.
	ErrInvalidSignature = errors.New("signature verification failed")
	// ErrInvalidVerifyKey indicates the verification key is nil or malformed.
	ErrInvalidVerifyKey = errors.New("invalid verify key")
	// ErrSigningFailed indicates ECDSA signing returned an error.
	ErrSigningFailed = errors.New("ECDSA signing failed")
)

// ECDSAKeyPair is a long-lived P-256 signing keypair. The spec carries one of
// these per session (regenerated each session, see DESIGN.md Open Question 2).
type ECDSAKeyPair struct {
	Private *ecdsa.PrivateKey
}

// GenerateECDSAKeyPair generates a new P-256 ECDSA signing keypair.
func GenerateECDSAKeyPair() (*ECDSAKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return &ECDSAKeyPair{Private: priv}, nil
}

// PublicKeyBytes returns the uncompressed raw point encoding of the public key.
func (kp *ECDSAKeyPair) PublicKeyBytes() []byte {
	return elliptic.Marshal(elliptic.P256(), kp.Private.PublicKey.X, kp.Private.PublicKey.Y)
}

// ParseECDSAPublicKey parses an uncompressed P-256 point into a verification key.
func ParseECDSAPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != ECDHPublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidVerifyKey, ECDHPublicKeySize, len(raw))
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, fmt.Errorf("%w: not a valid P-256 point", ErrInvalidVerifyKey)
	}

	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Sign computes an ECDSA-P256-SHA256 signature over message, DER-encoded.
func Sign(kp *ECDSAKeyPair, message []byte) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, ErrInvalidVerifyKey
	}

	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, kp.Private, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return sig, nil
}

// Verify checks a DER-encoded ECDSA-P256-SHA256 signature over message.
func Verify(publicKey *ecdsa.PublicKey, message, signature []byte) error {
	if publicKey == nil {
		return ErrInvalidVerifyKey
	}

	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(publicKey, digest[:], signature) {
		return ErrInvalidSignature
	}

	return nil
}
