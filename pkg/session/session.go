// Package session orchestrates one call's key exchange, media pipeline, and
// chat cryptor into a single lifecycle (spec component C7). It is the only
// package the UI layer and the RTC glue code are expected to import.
package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pulsecall/e2ee-core/pkg/chatcrypt"
	"github.com/pulsecall/e2ee-core/pkg/crypto/classical"
	"github.com/pulsecall/e2ee-core/pkg/crypto/fingerprint"
	"github.com/pulsecall/e2ee-core/pkg/crypto/framecodec"
	"github.com/pulsecall/e2ee-core/pkg/exchange"
	"github.com/pulsecall/e2ee-core/pkg/logging"
	"github.com/pulsecall/e2ee-core/pkg/mediapipeline"
)

// Status is the call-level encryption status surfaced to the UI.
type Status int

const (
	StatusDisabled Status = iota
	StatusUnsupported
	StatusInitializing
	StatusKeyExchange
	StatusKeyRotation
	StatusActive
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusUnsupported:
		return "unsupported"
	case StatusInitializing:
		return "initializing"
	case StatusKeyExchange:
		return "key-exchange"
	case StatusKeyRotation:
		return "key-rotation"
	case StatusActive:
		return "active"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Platform selects the attach/key-install ordering a concrete RTC runtime
// requires (spec §4.4 "Synchronisation across rotation"). The controller
// picks one at construction time, based on a capability probe performed by
// the caller, and never mixes the two within a session.
type Platform int

const (
	// PlatformChainOfTransforms models engines exposing encoded-streams
	// transforms (e.g. Chromium, Firefox): attach first in pass-through,
	// push the key, then enable encryption after the sync delay.
	PlatformChainOfTransforms Platform = iota
	// PlatformScriptTransform models engines where attaching a transform
	// synchronously dispatches a worker setup event (e.g. Safari): the key
	// must already be staged before attach so the worker is never without
	// key material once the transform fires.
	PlatformScriptTransform
)

// SyncDelay is the pause between key install and enabling sender-side
// encryption, giving both peers time to finish attaching (spec §4.7 step 3,
// SYNC_DELAY_MS).
const SyncDelay = 200 * time.Millisecond

var (
	// ErrNotSupported indicates Start was called on a Controller that
	// MarkUnsupported put in StatusUnsupported (the capability probe failed).
	ErrNotSupported = errors.New("session: encryption not supported on this platform")
	// ErrNoActiveMaterial names the "no handshake has completed yet"
	// condition; no Controller method currently returns it.
	ErrNoActiveMaterial = errors.New("session: no active key material")
)

// Callbacks are optional hooks the UI layer registers for status and stats
// changes. All are safe to leave nil.
type Callbacks struct {
	OnStatusChange func(status Status)
	OnStats        func(stats map[string]mediapipeline.Stats)
}

// Controller owns one call's encryption lifecycle end to end: the key
// exchange state machine, the per-track frame pipelines, and the chat
// cryptor, wired together per spec §4.7.
type Controller struct {
	platform  Platform
	callbacks Callbacks

	exchange *exchange.Engine
	media    *mediapipeline.Adapter
	chat     *chatcrypt.Cryptor

	logger *logging.Logger

	mu               sync.Mutex
	status           Status
	lastErr          error
	generation       uint64
	localFingerprint string
	remoteFp         string
	stagedKey        *stagedKey

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type stagedKey struct {
	key        [framecodec.KeySize]byte
	generation uint64
}

// NewController constructs a Controller in StatusDisabled. Callers that
// cannot attach encoded-frame transforms at all should instead construct one
// and immediately call MarkUnsupported, so the UI still sees a coherent
// status rather than an error.
//
// logger is the call_id-scoped structured logger (spec §A); the controller
// hands component-scoped clones of it down to the exchange engine, the
// media pipeline adapter, and the chat cryptor so every log line a call
// produces is attributable to it. A nil logger falls back to
// logging.Default().
func NewController(role exchange.Role, cfg exchange.Config, transport exchange.Transport, platform Platform, callbacks Callbacks, logger *logging.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = logging.Default()
	}

	c := &Controller{
		platform:  platform,
		callbacks: callbacks,
		media:     mediapipeline.NewAdapter(),
		chat:      chatcrypt.New(),
		status:    StatusDisabled,
		logger:    logger.WithComponent("session"),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.exchange = exchange.New(role, cfg, transport, exchange.Callbacks{
		OnComplete:           c.onExchangeComplete,
		OnRotation:           c.onExchangeRotation,
		OnVerificationFailed: c.onVerificationFailed,
		OnError:              c.onExchangeError,
	})
	c.exchange.SetLogger(logger.WithComponent("exchange"))
	c.media.SetLogger(logger.WithComponent("mediapipeline"))
	c.chat.SetLogger(logger.WithComponent("chatcrypt"))

	return c
}

// Exchange returns the controller's underlying key-exchange engine, so a
// caller can wire a signalling transport's dispatch table to
// HandleKeyOffer/HandleKeyAnswer/HandleKeyRotation and, for transports that
// must be dialed after the engine exists, call SetTransport before Start.
func (c *Controller) Exchange() *exchange.Engine {
	return c.exchange
}

// MarkUnsupported transitions the controller straight to StatusUnsupported,
// skipping the handshake entirely. Start becomes a no-op returning
// ErrNotSupported.
func (c *Controller) MarkUnsupported() {
	c.setStatus(StatusUnsupported)
}

// Start begins the key exchange; each completed handshake then activates
// the media pipeline and the chat cryptor per spec §4.7. Activation does not
// wait for a remote track to be attached.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.status == StatusUnsupported {
		c.mu.Unlock()
		return ErrNotSupported
	}
	c.mu.Unlock()

	c.setStatus(StatusInitializing)
	c.logger.Info("session starting", logging.Fields{"platform": c.platform})

	if err := c.exchange.Start(); err != nil {
		c.setError(err)
		return err
	}

	c.setStatus(StatusKeyExchange)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.media.RunStatsLoop(c.ctx, func(stats map[string]mediapipeline.Stats) {
			if c.callbacks.OnStats != nil {
				c.callbacks.OnStats(stats)
			}
		})
	}()

	return nil
}

// AttachSender installs an encryption pipeline for an outgoing track, to be
// called from the sender-creation callback. For PlatformScriptTransform, any
// key material already staged is applied immediately so the worker is never
// attached without a key.
func (c *Controller) AttachSender(kind framecodec.Kind) *mediapipeline.SenderPipeline {
	p := c.media.AttachSender(kind)
	c.reapplyStagedKey()
	return p
}

// AttachReceiver installs a decryption pipeline for an incoming track. Per
// spec §4.5, on the chain-of-transforms platform this must be called
// synchronously from the track-arrival callback, before the remote stream is
// published to the UI.
func (c *Controller) AttachReceiver(kind framecodec.Kind) *mediapipeline.ReceiverPipeline {
	p := c.media.AttachReceiver(kind)
	c.reapplyStagedKey()
	return p
}

func (c *Controller) reapplyStagedKey() {
	c.mu.Lock()
	staged := c.stagedKey
	c.mu.Unlock()
	if staged != nil {
		_ = c.media.UpdateKey(staged.key, staged.generation)
	}
}

// RotateKeys triggers one round of the diagnostic key-rotation protocol.
// Only meaningful for the initiator; participants return exchange.ErrWrongRole.
func (c *Controller) RotateKeys() error {
	return c.exchange.RotateNow()
}

// Status returns the current call-level encryption status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns a user-facing description of the most recent error, or
// an empty string if no error has been recorded. A recorded error is kept
// after the status leaves StatusError.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return ""
	}
	return c.lastErr.Error()
}

// Generation returns the current key generation.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Fingerprints returns the local and remote safety-number fingerprints, for
// the UI's verification screen. Both are empty until the handshake completes.
func (c *Controller) Fingerprints() (local, remote string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localFingerprint, c.remoteFp
}

// SafetyNumber returns the chunked local/remote fingerprint concatenation
// for display (spec §4.2/§4.7).
func (c *Controller) SafetyNumber() string {
	local, remote := c.Fingerprints()
	return fingerprint.SafetyNumber(local, remote)
}

// Stats returns the current per-direction, per-kind frame pipeline stats.
func (c *Controller) Stats() map[string]mediapipeline.Stats {
	return c.media.Stats()
}

// EncryptChatMessage encrypts and signs an outgoing chat message.
func (c *Controller) EncryptChatMessage(plaintext []byte) (*chatcrypt.Envelope, error) {
	return c.chat.Encrypt(plaintext)
}

// DecryptChatMessage decrypts and verifies an inbound chat envelope. Per
// spec §4.6, a verification failure still returns the plaintext alongside a
// non-nil verifyErr; only a hard crypto failure returns a non-nil err.
func (c *Controller) DecryptChatMessage(env *chatcrypt.Envelope) (plaintext []byte, verifyErr error, err error) {
	return c.chat.Decrypt(env)
}

func (c *Controller) onExchangeComplete(generation uint64, peerSigningPublicKey []byte, peerFingerprint string) {
	c.logger.Info("key exchange complete", logging.Fields{"generation": generation, "peer_fingerprint": peerFingerprint})

	peerKey, err := classical.ParseECDSAPublicKey(peerSigningPublicKey)
	if err != nil {
		c.setError(fmt.Errorf("session: parsing peer signing key: %w", err))
		return
	}

	if err := c.activate(generation, peerKey, peerFingerprint); err != nil {
		c.setError(err)
	}
}

func (c *Controller) onExchangeRotation(generation uint64) {
	c.logger.Info("key rotation received", logging.Fields{"generation": generation})
	c.setStatus(StatusKeyRotation)

	c.mu.Lock()
	peerFp := c.remoteFp
	c.mu.Unlock()

	// The rotation handler doesn't re-verify the peer's signing key (it is
	// unchanged across rotations, only the ECDH ephemeral changes), so the
	// controller reuses whatever was captured at handshake completion.
	material, err := c.exchange.CurrentKeyMaterial()
	if err != nil {
		c.setError(err)
		return
	}

	peerKey := c.chat.PeerSigningKey()
	if peerKey == nil {
		c.setError(errors.New("session: rotation before initial handshake completion"))
		return
	}

	if err := c.activateKey(generation, material.Key, peerKey, peerFp); err != nil {
		c.setError(err)
		return
	}

	c.mu.Lock()
	localFp := c.localFingerprint
	c.mu.Unlock()

	if err := c.chat.Configure(material.Key, generation, c.exchange.LocalSigningKeyPair(), localFp, peerKey, peerFp); err != nil {
		c.setError(fmt.Errorf("session: configuring chat cryptor: %w", err))
		return
	}

	c.setStatus(StatusActive)
}

func (c *Controller) onVerificationFailed(err error) {
	c.setError(err)
}

func (c *Controller) onExchangeError(err error) {
	c.setError(err)
}

// activate runs the spec §4.7 activation sequence for a freshly completed
// handshake, where the chat cryptor has not yet been configured.
func (c *Controller) activate(generation uint64, peerSigningKey *ecdsa.PublicKey, peerFingerprint string) error {
	material, err := c.exchange.CurrentKeyMaterial()
	if err != nil {
		return err
	}

	localSigning := c.exchange.LocalSigningKeyPair()
	localFp, err := fingerprint.Of(localSigning.PublicKeyBytes())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.localFingerprint = localFp
	c.remoteFp = peerFingerprint
	c.mu.Unlock()

	if err := c.activateKey(generation, material.Key, peerSigningKey, peerFingerprint); err != nil {
		return err
	}

	if err := c.chat.Configure(material.Key, generation, localSigning, localFp, peerSigningKey, peerFingerprint); err != nil {
		return fmt.Errorf("session: configuring chat cryptor: %w", err)
	}

	c.setStatus(StatusActive)
	return nil
}

// activateKey runs the platform-dependent key-install ordering and enables
// sender-side encryption (spec §4.7 steps 1-4 / §4.4 "Synchronisation across
// rotation"). It is shared between the initial handshake and every rotation;
// the caller reconfigures the chat cryptor and then sets StatusActive.
func (c *Controller) activateKey(generation uint64, key [framecodec.KeySize]byte, peerSigningKey *ecdsa.PublicKey, peerFingerprint string) error {
	switch c.platform {
	case PlatformScriptTransform:
		c.mu.Lock()
		c.stagedKey = &stagedKey{key: key, generation: generation}
		c.mu.Unlock()
	}

	if err := c.media.UpdateKey(key, generation); err != nil {
		return fmt.Errorf("session: updating worker keys: %w", err)
	}

	select {
	case <-time.After(SyncDelay):
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	c.media.EnableEncryption()

	c.mu.Lock()
	c.generation = generation
	c.mu.Unlock()

	return nil
}

func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	if c.callbacks.OnStatusChange != nil {
		c.callbacks.OnStatusChange(status)
	}
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.status = StatusError
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Error("session error", logging.Fields{"error": err.Error()})
	if c.callbacks.OnStatusChange != nil {
		c.callbacks.OnStatusChange(StatusError)
	}
}

// Close performs the graceful tear-down sequence (spec §5): disable
// encryption so in-flight frames drain as pass-through, stop the stats timer
// and wait for it (bounded by ctx), then release the exchange engine and
// pipelines in the order that matches the teardown
// discipline other call resources (tracks, peer connection) rely on.
func (c *Controller) Close(ctx context.Context) error {
	c.media.DisableEncryption()

	drain := make(chan struct{})
	go func() {
		c.cancel()
		c.wg.Wait()
		close(drain)
	}()

	select {
	case <-drain:
	case <-ctx.Done():
	}

	c.exchange.Close()
	c.media.Close()
	return nil
}

// CloseNow performs the same teardown as Close but never waits on drains,
// for the equivalent of a page-unload handler where time cannot be spent.
func (c *Controller) CloseNow() {
	c.media.DisableEncryption()
	c.cancel()
	c.exchange.Close()
	c.media.Close()
}
