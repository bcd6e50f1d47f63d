// Package wire defines the JSON key-exchange message exchanged over the
// signalling channel, its canonical signing form, and the nonce table used to
// defeat replay.
package wire

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageType identifies the role of a Key-Exchange Message on the wire.
type MessageType string

const (
	KeyOffer    MessageType = "keyOffer"
	KeyAnswer   MessageType = "keyAnswer"
	KeyRotation MessageType = "keyRotation"
)

// NonceHexLength is the length of the hex-encoded 128-bit nonce field.
const NonceHexLength = 32

// ErrUnknownMessageType indicates the `type` field was not one of the three
// recognised values.
var ErrUnknownMessageType = errors.New("wire: unknown message type")

// Message is the tagged record defined in spec §3: a key offer, answer, or
// rotation, always carrying a fresh ephemeral public key, its fingerprint,
// a signature over the canonical string, and the sender's long-lived ECDSA
// public key. Field order is irrelevant and unknown fields are ignored by
// receivers, both satisfied automatically by encoding/json.
type Message struct {
	Type             MessageType `json:"type"`
	PublicKey        string      `json:"publicKey"`
	Fingerprint      string      `json:"fingerprint"`
	Signature        string      `json:"signature"`
	Generation       uint64      `json:"generation"`
	Timestamp        int64       `json:"timestamp"`
	Nonce            string      `json:"nonce"`
	SigningPublicKey string      `json:"signingPublicKey"`
}

// Validate checks the structural shape of a Message before it is handed to
// the exchange state machine: a recognised type and a well-formed nonce.
// It does not verify the signature; that requires the parsed signing key.
func (m *Message) Validate() error {
	switch m.Type {
	case KeyOffer, KeyAnswer, KeyRotation:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}

	if len(m.Nonce) != NonceHexLength {
		return fmt.Errorf("wire: nonce must be %d hex characters, got %d", NonceHexLength, len(m.Nonce))
	}

	if _, err := hex.DecodeString(m.Nonce); err != nil {
		return fmt.Errorf("wire: nonce is not valid hex: %w", err)
	}

	return nil
}

// GenerateNonce produces a fresh 128-bit random nonce, hex-encoded.
func GenerateNonce() (string, error) {
	buf := make([]byte, NonceHexLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("wire: nonce generation failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CanonicalSigningString builds the string a Message's signature covers:
// `publicKey : fingerprint : nonce`, with a `: generation` suffix appended
// only when isRotation is true, per spec §3/§4.4 step 2.
func CanonicalSigningString(publicKeyBase64, fingerprintHex, nonce string, generation uint64, isRotation bool) string {
	var b strings.Builder
	b.WriteString(publicKeyBase64)
	b.WriteString(" : ")
	b.WriteString(fingerprintHex)
	b.WriteString(" : ")
	b.WriteString(nonce)

	if isRotation {
		b.WriteString(" : ")
		b.WriteString(strconv.FormatUint(generation, 10))
	}

	return b.String()
}
