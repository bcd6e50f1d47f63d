// Package chatcrypt encrypts and authenticates chat messages carried
// alongside a call, reusing the media pipeline's KeyMaterial and each
// peer's session ECDSA key (spec component C6).
package chatcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pulsecall/e2ee-core/pkg/crypto/classical"
	"github.com/pulsecall/e2ee-core/pkg/logging"
)

const ivSize = 12

var (
	// ErrNotInitialised indicates Encrypt/Decrypt was called before Configure.
	ErrNotInitialised = errors.New("chatcrypt: not initialised")
	// ErrCryptoFailure indicates the AES-GCM construction failed.
	ErrCryptoFailure = errors.New("chatcrypt: crypto failure")
	// ErrDecryptFailed indicates AEAD authentication failed on the ciphertext.
	ErrDecryptFailed = errors.New("chatcrypt: decryption failed")
)

// Envelope is the JSON-transported encrypted chat message, spec §6/§GLOSSARY:
// `{iv, ciphertext, signature, senderFingerprint}`, all byte fields base64 or
// hex as noted.
type Envelope struct {
	IV                string `json:"iv"`
	Ciphertext        string `json:"ciphertext"`
	Signature         string `json:"signature"`
	SenderFingerprint string `json:"senderFingerprint"`
}

// Cryptor encrypts outgoing chat messages and verifies incoming ones. It is
// (re)configured every time the session's KeyMaterial or peer identity
// changes — there is exactly one Cryptor per active call.
type Cryptor struct {
	aead            cipher.AEAD
	generation      uint64
	localSigning    *classical.ECDSAKeyPair
	localFp         string
	peerSigningKey  *ecdsa.PublicKey
	peerFingerprint string
	ready           bool

	messagesEncrypted   uint64
	messagesDecrypted   uint64
	verificationFailure uint64

	logger *logging.Logger
}

// New constructs an unconfigured Cryptor.
func New() *Cryptor {
	return &Cryptor{logger: logging.Default().WithComponent("chatcrypt")}
}

// SetLogger (re)binds the logger this cryptor writes structured entries
// through, mirroring exchange.Engine.SetLogger and mediapipeline.Adapter.SetLogger.
func (c *Cryptor) SetLogger(logger *logging.Logger) {
	c.logger = logger
}

// associatedData binds the key generation into every seal/open, the same
// way framecodec.associatedData binds kind+generation for media frames —
// a chat message encrypted under one generation never opens under another,
// even before the AES key itself is checked.
func associatedData(generation uint64) []byte {
	ad := make([]byte, 8)
	binary.BigEndian.PutUint64(ad, generation)
	return ad
}

// Configure installs the shared AES-256-GCM key (derived by C3) for the
// given generation, the local signing keypair and fingerprint, and the
// peer's signing key and fingerprint as learned from the verified
// key-exchange handshake (spec §4.4 step 4 / §4.6).
func (c *Cryptor) Configure(key [32]byte, generation uint64, localSigning *classical.ECDSAKeyPair, localFingerprint string, peerSigningKey *ecdsa.PublicKey, peerFingerprint string) error {
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
	c.localSigning = localSigning
	c.localFp = localFingerprint
	c.peerSigningKey = peerSigningKey
	c.peerFingerprint = peerFingerprint
	c.ready = true
	c.logger.Info("chat cryptor configured", logging.Fields{"generation": generation, "peer_fingerprint": peerFingerprint})

	return nil
}

// Encrypt seals plaintext and signs the resulting ciphertext with the
// local ECDSA key, producing a wire-ready Envelope.
func (c *Cryptor) Encrypt(plaintext []byte) (*Envelope, error) {
	if !c.ready {
		return nil, ErrNotInitialised
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	ciphertext := c.aead.Seal(nil, iv, plaintext, associatedData(c.generation))

	sig, err := classical.Sign(c.localSigning, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	atomic.AddUint64(&c.messagesEncrypted, 1)

	return &Envelope{
		IV:                base64.StdEncoding.EncodeToString(iv),
		Ciphertext:        base64.StdEncoding.EncodeToString(ciphertext),
		Signature:         base64.StdEncoding.EncodeToString(sig),
		SenderFingerprint: c.localFp,
	}, nil
}

// Decrypt opens an Envelope and verifies its signature against the peer's
// signing key. A verification failure still returns the plaintext (per spec
// §4.6: "the message is still surfaced to the UI but flagged as
// unverified") alongside a non-nil error the caller uses to set that flag,
// and increments the verification-failure counter; the decrypted-message
// counter is incremented either way.
func (c *Cryptor) Decrypt(env *Envelope) (plaintext []byte, verifyErr error, err error) {
	if !c.ready {
		return nil, nil, ErrNotInitialised
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("chatcrypt: decoding iv: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("chatcrypt: decoding ciphertext: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("chatcrypt: decoding signature: %w", err)
	}

	plaintext, err = c.aead.Open(nil, iv, ciphertext, associatedData(c.generation))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	if verr := classical.Verify(c.peerSigningKey, ciphertext, sig); verr != nil {
		atomic.AddUint64(&c.verificationFailure, 1)
		atomic.AddUint64(&c.messagesDecrypted, 1)
		c.logger.Warn("chat message signature verification failed", logging.Fields{"error": verr.Error()})
		return plaintext, verr, nil
	}

	atomic.AddUint64(&c.messagesDecrypted, 1)
	return plaintext, nil, nil
}

// PeerSigningKey returns the peer's ECDSA signing key as captured at the
// last Configure call, or nil if the cryptor has never been configured.
func (c *Cryptor) PeerSigningKey() *ecdsa.PublicKey {
	return c.peerSigningKey
}

// Stats is a point-in-time snapshot of the chat cryptor's counters.
type Stats struct {
	MessagesEncrypted    uint64
	MessagesDecrypted    uint64
	VerificationFailures uint64
}

// Stats returns the current counters.
func (c *Cryptor) Stats() Stats {
	return Stats{
		MessagesEncrypted:    atomic.LoadUint64(&c.messagesEncrypted),
		MessagesDecrypted:    atomic.LoadUint64(&c.messagesDecrypted),
		VerificationFailures: atomic.LoadUint64(&c.verificationFailure),
	}
}
