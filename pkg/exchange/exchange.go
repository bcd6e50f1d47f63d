// Package exchange implements the key-exchange state machine (spec
// component C4): the handshake that establishes the first generation of
// KeyMaterial between two peers over an untrusted signalling channel, and
// the periodic rotation sub-protocol that refreshes it without ever letting
// the two sides' generation counters desynchronise.
package exchange

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pulsecall/e2ee-core/pkg/crypto/classical"
	"github.com/pulsecall/e2ee-core/pkg/crypto/fingerprint"
	"github.com/pulsecall/e2ee-core/pkg/keyexchange"
	"github.com/pulsecall/e2ee-core/pkg/logging"
	"github.com/pulsecall/e2ee-core/pkg/rotation"
	"github.com/pulsecall/e2ee-core/pkg/wire"
)

// Role identifies which side of the handshake an Engine plays. The role is
// supplied by the session descriptor and is never renegotiated locally — an
// earlier version that inferred it from local heuristics produced
// deterministic-hash races.
type Role int

const (
	RoleInitiator Role = iota
	RoleParticipant
)

// State is the position of the handshake state machine.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateResponding
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateResponding:
		return "responding"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrVerificationFailed indicates a message's signature did not verify
	// against the claimed signing key — a possible MITM attempt.
	ErrVerificationFailed = errors.New("exchange: signature verification failed")
	// ErrReplayed indicates a message's nonce has already been seen.
	ErrReplayed = errors.New("exchange: nonce already seen")
	// ErrWrongRole indicates a message type arrived that this role never
	// sends (e.g. a participant receiving a keyAnswer).
	ErrWrongRole = errors.New("exchange: unexpected message for this role")
	// ErrRetriesExhausted indicates the initiator used up all handshake
	// retries without a response.
	ErrRetriesExhausted = errors.New("exchange: handshake retries exhausted")
	// ErrRotationInProgress indicates a rotation was requested while one is
	// already pending a response.
	ErrRotationInProgress = errors.New("exchange: rotation already pending")
)

// Transport is the signalling send surface the state machine depends on.
// pkg/signalling provides a concrete implementation; Engine never imports
// that package directly so the dependency direction stays consumer-defined.
type Transport interface {
	SendKeyOffer(msg wire.Message) error
	SendKeyAnswer(msg wire.Message) error
	SendKeyRotation(msg wire.Message) error
}

// Callbacks are the events the engine raises for the session controller.
// Handshake-level failures are always reported immediately; frame-level
// failures never reach this layer at all (they live entirely in
// pkg/mediapipeline's counters).
type Callbacks struct {
	OnComplete           func(generation uint64, peerSigningPublicKey []byte, peerFingerprint string)
	OnRotation           func(generation uint64)
	OnVerificationFailed func(err error)
	OnError              func(err error)
}

// Config holds the timing constants the state machine is driven by. Use
// DefaultConfig for the literal values spec §6 mandates; pkg/config loads
// overrides from YAML into its own Config type, whose fields a caller copies
// into this struct.
type Config struct {
	KeyExchangeTimeout      time.Duration
	MaxRetryAttempts        int
	BackoffMultiplier       float64
	BackoffCap              time.Duration
	JitterMax               time.Duration
	StabilisationDelay      time.Duration
	LateJoinDelay           time.Duration
	RotationPeriod          time.Duration
	RotationResponseTimeout time.Duration
}

// DefaultConfig returns the constants named in spec §4.4/§6.
func DefaultConfig() Config {
	return Config{
		KeyExchangeTimeout:      15 * time.Second,
		MaxRetryAttempts:        5,
		BackoffMultiplier:       1.5,
		BackoffCap:              180 * time.Second,
		JitterMax:               2 * time.Second,
		StabilisationDelay:      500 * time.Millisecond,
		LateJoinDelay:           1 * time.Second,
		RotationPeriod:          60 * time.Second,
		RotationResponseTimeout: 10 * time.Second,
	}
}

// Engine is the per-call key-exchange state machine. One Engine exists per
// session; it is not reused across calls.
type Engine struct {
	role      Role
	cfg       Config
	transport Transport
	callbacks Callbacks

	nonces       *wire.NonceTable
	bookkeeping  *rotation.Bookkeeping
	keyEngine    *keyexchange.Engine
	localSigning *classical.ECDSAKeyPair

	mu               sync.Mutex
	state            State
	lastErr          error
	localECDH        *classical.ECDHKeyPair
	remoteSigningKey *ecdsa.PublicKey
	completeSignal   chan uint64
	initCancel       context.CancelFunc

	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. It does not start the handshake; call Start for
// that once the signalling handlers are registered (spec §4.4 step 1: both
// sides register handlers before generating any keys, so an early offer
// from the peer is never lost).
func New(role Role, cfg Config, transport Transport, callbacks Callbacks) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		role:        role,
		cfg:         cfg,
		transport:   transport,
		callbacks:   callbacks,
		nonces:      wire.NewNonceTable(5*time.Minute, 60*time.Second),
		bookkeeping: rotation.NewBookkeeping(),
		keyEngine:   keyexchange.New(),
		logger:      logging.Default().WithComponent("exchange"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetLogger (re)binds the logger the engine writes structured entries
// through. Like SetTransport, it exists so a caller can hand down a
// call_id-scoped logger built after New runs.
func (e *Engine) SetLogger(logger *logging.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
}

// SetTransport (re)binds the signalling transport this engine sends
// through. It exists because a caller's dispatch table (the three
// HandleKey* methods below) typically needs a constructed Engine before the
// transport that delivers to it can itself be dialed, so New is normally
// called with a nil Transport and SetTransport supplies the real one once
// both halves exist — always before Start, never concurrently with a send.
func (e *Engine) SetTransport(transport Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = transport
}

// Start generates the local ephemeral ECDH pair and the session ECDSA pair,
// then, if this engine is the initiator, launches the handshake retry loop.
// Participants send nothing and simply wait for HandleKeyOffer.
func (e *Engine) Start() error {
	ecdhPair, err := classical.GenerateECDHKeyPair()
	if err != nil {
		return fmt.Errorf("exchange: generating ephemeral ECDH pair: %w", err)
	}

	signingPair, err := classical.GenerateECDSAKeyPair()
	if err != nil {
		return fmt.Errorf("exchange: generating session ECDSA pair: %w", err)
	}

	e.mu.Lock()
	e.localECDH = ecdhPair
	e.mu.Unlock()
	e.localSigning = signingPair

	if e.role == RoleInitiator {
		e.setState(StateInitiating)

		loopCtx, loopCancel := context.WithCancel(e.ctx)
		e.mu.Lock()
		e.initCancel = loopCancel
		e.mu.Unlock()

		e.wg.Add(1)
		go e.initiatorLoop(loopCtx, e.cfg.StabilisationDelay)

		e.wg.Add(1)
		go e.rotationLoop()
	}

	return nil
}

// TriggerLateJoin re-issues a fresh keyOffer when a peer joins after the
// initial handshake window has passed and the state isn't yet complete
// (spec §4.4 "Late-join re-trigger"). It cancels any initiatorLoop still
// running from a previous trigger before starting the replacement, so
// steady state never has more than one retry loop in flight sending
// offers (testable property 6). Participants ignore this signal.
func (e *Engine) TriggerLateJoin() {
	if e.role != RoleInitiator {
		return
	}

	e.mu.Lock()
	if e.state == StateComplete {
		e.mu.Unlock()
		return
	}
	if e.initCancel != nil {
		e.initCancel()
	}
	loopCtx, loopCancel := context.WithCancel(e.ctx)
	e.initCancel = loopCancel
	e.mu.Unlock()

	e.setState(StateInitiating)
	e.logger.Info("late-join re-trigger")

	newEphemeral, err := classical.GenerateECDHKeyPair()
	if err != nil {
		e.reportError(fmt.Errorf("exchange: late-join ephemeral generation: %w", err))
		return
	}

	e.mu.Lock()
	e.localECDH = newEphemeral
	e.mu.Unlock()

	e.wg.Add(1)
	go e.initiatorLoop(loopCtx, e.cfg.LateJoinDelay)
}

func (e *Engine) initiatorLoop(ctx context.Context, initialWait time.Duration) {
	defer e.wg.Done()

	select {
	case <-time.After(initialWait):
	case <-ctx.Done():
		return
	}

	if e.State() == StateComplete {
		return
	}

	timeout := e.cfg.KeyExchangeTimeout
	signal := make(chan uint64, 1)

	e.mu.Lock()
	e.completeSignal = signal
	e.mu.Unlock()

	for attempt := 0; attempt <= e.cfg.MaxRetryAttempts; attempt++ {
		if e.State() == StateComplete {
			return
		}

		if err := e.sendOffer(); err != nil {
			e.reportError(fmt.Errorf("exchange: sending keyOffer: %w", err))
			return
		}
		e.logger.Debug("keyOffer sent", logging.Fields{"attempt": attempt})

		select {
		case <-signal:
			return
		case <-ctx.Done():
			return
		case <-time.After(timeout):
			if attempt == e.cfg.MaxRetryAttempts {
				e.reportError(ErrRetriesExhausted)
				return
			}

			timeout = nextBackoff(timeout, e.cfg.BackoffMultiplier, e.cfg.BackoffCap)
			jitter := time.Duration(rand.Int63n(int64(e.cfg.JitterMax) + 1))
			time.Sleep(jitter)
		}
	}
}

func nextBackoff(current time.Duration, multiplier float64, cap time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > cap {
		return cap
	}
	return next
}

func (e *Engine) sendOffer() error {
	e.mu.Lock()
	ecdhPair := e.localECDH
	e.mu.Unlock()

	nonce, err := wire.GenerateNonce()
	if err != nil {
		return err
	}

	fp, err := fingerprint.Of(ecdhPair.PublicKeyBytes())
	if err != nil {
		return err
	}

	canonical := wire.CanonicalSigningString(
		base64.StdEncoding.EncodeToString(ecdhPair.PublicKeyBytes()), fp, nonce, 0, false)
	sig, err := classical.Sign(e.localSigning, []byte(canonical))
	if err != nil {
		return err
	}

	msg := wire.Message{
		Type:             wire.KeyOffer,
		PublicKey:        base64.StdEncoding.EncodeToString(ecdhPair.PublicKeyBytes()),
		Fingerprint:      fp,
		Signature:        base64.StdEncoding.EncodeToString(sig),
		Generation:       0,
		Timestamp:        timestampMillis(),
		Nonce:            nonce,
		SigningPublicKey: base64.StdEncoding.EncodeToString(e.localSigning.PublicKeyBytes()),
	}

	return e.transport.SendKeyOffer(msg)
}

// HandleKeyOffer processes an inbound keyOffer. Only a participant in state
// idle/responding should receive this in practice, but the check is
// defensive rather than load-bearing — the signature is what actually
// authenticates the message.
func (e *Engine) HandleKeyOffer(msg wire.Message) error {
	if e.role != RoleParticipant {
		return ErrWrongRole
	}

	if err := msg.Validate(); err != nil {
		return err
	}

	if e.nonces.SeenBefore(msg.Nonce) {
		return ErrReplayed
	}

	remoteSigningRaw, err := base64.StdEncoding.DecodeString(msg.SigningPublicKey)
	if err != nil {
		return fmt.Errorf("exchange: decoding signingPublicKey: %w", err)
	}

	remoteSigningKey, err := classical.ParseECDSAPublicKey(remoteSigningRaw)
	if err != nil {
		return fmt.Errorf("exchange: parsing signingPublicKey: %w", err)
	}

	canonical := wire.CanonicalSigningString(msg.PublicKey, msg.Fingerprint, msg.Nonce, 0, false)
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("exchange: decoding signature: %w", err)
	}

	if err := classical.Verify(remoteSigningKey, []byte(canonical), sig); err != nil {
		// Per testable property 5, a tampered keyOffer leaves the
		// participant's state exactly as it was before this message
		// arrived (idle, or complete if a prior handshake already
		// finished) rather than forcing StateError — §7's "terminal
		// for that handshake" is satisfied by rejecting and never
		// deriving key material for this offer, not by a state flip.
		wrapped := fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		e.logger.Warn("keyOffer verification failed", logging.Fields{"error": wrapped.Error()})
		e.fireVerificationFailed(wrapped)
		return wrapped
	}

	e.setState(StateResponding)

	e.mu.Lock()
	e.remoteSigningKey = remoteSigningKey
	ecdhPair := e.localECDH
	e.mu.Unlock()

	remoteECDHRaw, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		return fmt.Errorf("exchange: decoding publicKey: %w", err)
	}

	material, err := e.keyEngine.Derive(ecdhPair.Private, remoteECDHRaw, msg.Fingerprint)
	if err != nil {
		e.setState(StateError)
		e.reportError(err)
		return err
	}

	if err := e.sendAnswer(ecdhPair); err != nil {
		return err
	}

	e.setState(StateComplete)
	signingFp, err := fingerprint.Of(remoteSigningRaw)
	if err != nil {
		return err
	}
	e.logger.Info("handshake complete", logging.Fields{"generation": material.Generation, "role": "participant"})
	e.fireComplete(material.Generation, remoteSigningRaw, signingFp)

	return nil
}

func (e *Engine) sendAnswer(ecdhPair *classical.ECDHKeyPair) error {
	nonce, err := wire.GenerateNonce()
	if err != nil {
		return err
	}

	fp, err := fingerprint.Of(ecdhPair.PublicKeyBytes())
	if err != nil {
		return err
	}

	canonical := wire.CanonicalSigningString(
		base64.StdEncoding.EncodeToString(ecdhPair.PublicKeyBytes()), fp, nonce, 0, false)
	sig, err := classical.Sign(e.localSigning, []byte(canonical))
	if err != nil {
		return err
	}

	msg := wire.Message{
		Type:             wire.KeyAnswer,
		PublicKey:        base64.StdEncoding.EncodeToString(ecdhPair.PublicKeyBytes()),
		Fingerprint:      fp,
		Signature:        base64.StdEncoding.EncodeToString(sig),
		Generation:       0,
		Timestamp:        timestampMillis(),
		Nonce:            nonce,
		SigningPublicKey: base64.StdEncoding.EncodeToString(e.localSigning.PublicKeyBytes()),
	}

	return e.transport.SendKeyAnswer(msg)
}

// HandleKeyAnswer processes the initiator's receipt of a keyAnswer. This
// mirrors HandleKeyOffer's verification, then wakes the retry loop.
func (e *Engine) HandleKeyAnswer(msg wire.Message) error {
	if e.role != RoleInitiator {
		return ErrWrongRole
	}

	if err := msg.Validate(); err != nil {
		return err
	}

	if e.nonces.SeenBefore(msg.Nonce) {
		return ErrReplayed
	}

	remoteSigningRaw, err := base64.StdEncoding.DecodeString(msg.SigningPublicKey)
	if err != nil {
		return fmt.Errorf("exchange: decoding signingPublicKey: %w", err)
	}

	remoteSigningKey, err := classical.ParseECDSAPublicKey(remoteSigningRaw)
	if err != nil {
		return fmt.Errorf("exchange: parsing signingPublicKey: %w", err)
	}

	canonical := wire.CanonicalSigningString(msg.PublicKey, msg.Fingerprint, msg.Nonce, 0, false)
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("exchange: decoding signature: %w", err)
	}

	if err := classical.Verify(remoteSigningKey, []byte(canonical), sig); err != nil {
		e.setState(StateError)
		wrapped := fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		e.fireVerificationFailed(wrapped)
		return wrapped
	}

	e.mu.Lock()
	e.remoteSigningKey = remoteSigningKey
	ecdhPair := e.localECDH
	signal := e.completeSignal
	e.mu.Unlock()

	remoteECDHRaw, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		return fmt.Errorf("exchange: decoding publicKey: %w", err)
	}

	material, err := e.keyEngine.Derive(ecdhPair.Private, remoteECDHRaw, msg.Fingerprint)
	if err != nil {
		e.setState(StateError)
		e.reportError(err)
		return err
	}

	e.setState(StateComplete)

	signingFp, err := fingerprint.Of(remoteSigningRaw)
	if err != nil {
		return err
	}
	e.logger.Info("handshake complete", logging.Fields{"generation": material.Generation, "role": "initiator"})
	e.fireComplete(material.Generation, remoteSigningRaw, signingFp)

	if signal != nil {
		select {
		case signal <- material.Generation:
		default:
		}
	}

	return nil
}

// RotateNow runs one round of the initiator-only rotation sub-protocol
// (spec §4.4 "Key rotation"). The engine's own rotation ticker, started by
// Start for the initiator, calls this every RotationPeriod; it is also
// exposed directly for the session controller's diagnostic RotateKeys.
func (e *Engine) RotateNow() error {
	if e.role != RoleInitiator {
		return ErrWrongRole
	}

	e.mu.Lock()
	if e.state != StateComplete {
		e.mu.Unlock()
		return fmt.Errorf("exchange: cannot rotate in state %s", e.state)
	}
	if _, pending := e.bookkeeping.PendingResponseGeneration(); pending {
		e.mu.Unlock()
		return ErrRotationInProgress
	}
	e.mu.Unlock()

	newEphemeral, err := classical.GenerateECDHKeyPair()
	if err != nil {
		return fmt.Errorf("exchange: generating rotation ephemeral: %w", err)
	}

	newGen := e.keyEngine.Generation() + 1
	e.bookkeeping.BeginRotation(newGen)

	if err := e.sendRotation(newEphemeral, newGen); err != nil {
		e.bookkeeping.ClearPending()
		return err
	}

	e.mu.Lock()
	e.localECDH = newEphemeral
	e.mu.Unlock()

	e.logger.Info("rotation initiated", logging.Fields{"generation": newGen})

	e.wg.Add(1)
	go e.awaitRotationResponse(newGen)

	return nil
}

func (e *Engine) awaitRotationResponse(generation uint64) {
	defer e.wg.Done()

	select {
	case <-time.After(e.cfg.RotationResponseTimeout):
		if gen, pending := e.bookkeeping.PendingResponseGeneration(); pending && gen == generation {
			e.bookkeeping.ClearPending()
		}
	case <-e.ctx.Done():
	}
}

func (e *Engine) sendRotation(ecdhPair *classical.ECDHKeyPair, generation uint64) error {
	nonce, err := wire.GenerateNonce()
	if err != nil {
		return err
	}

	fp, err := fingerprint.Of(ecdhPair.PublicKeyBytes())
	if err != nil {
		return err
	}

	canonical := wire.CanonicalSigningString(
		base64.StdEncoding.EncodeToString(ecdhPair.PublicKeyBytes()), fp, nonce, generation, true)
	sig, err := classical.Sign(e.localSigning, []byte(canonical))
	if err != nil {
		return err
	}

	msg := wire.Message{
		Type:             wire.KeyRotation,
		PublicKey:        base64.StdEncoding.EncodeToString(ecdhPair.PublicKeyBytes()),
		Fingerprint:      fp,
		Signature:        base64.StdEncoding.EncodeToString(sig),
		Generation:       generation,
		Timestamp:        timestampMillis(),
		Nonce:            nonce,
		SigningPublicKey: base64.StdEncoding.EncodeToString(e.localSigning.PublicKeyBytes()),
	}

	return e.transport.SendKeyRotation(msg)
}

// HandleKeyRotation processes an inbound keyRotation from either role. Loop
// prevention, response-vs-fresh-initiation disambiguation, and generation
// marking all follow spec §4.4 step 4 exactly.
func (e *Engine) HandleKeyRotation(msg wire.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if e.bookkeeping.Processed.Contains(msg.Generation) {
		return nil
	}

	if e.nonces.SeenBefore(msg.Nonce) {
		return ErrReplayed
	}

	remoteSigningRaw, err := base64.StdEncoding.DecodeString(msg.SigningPublicKey)
	if err != nil {
		return fmt.Errorf("exchange: decoding signingPublicKey: %w", err)
	}

	remoteSigningKey, err := classical.ParseECDSAPublicKey(remoteSigningRaw)
	if err != nil {
		return fmt.Errorf("exchange: parsing signingPublicKey: %w", err)
	}

	canonical := wire.CanonicalSigningString(msg.PublicKey, msg.Fingerprint, msg.Nonce, msg.Generation, true)
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("exchange: decoding signature: %w", err)
	}

	if err := classical.Verify(remoteSigningKey, []byte(canonical), sig); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		e.logger.Warn("keyRotation verification failed", logging.Fields{"error": wrapped.Error()})
		e.fireVerificationFailed(wrapped)
		return wrapped
	}

	remoteECDHRaw, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		return fmt.Errorf("exchange: decoding publicKey: %w", err)
	}

	isResponseToOurs := false
	if pendingGen, pending := e.bookkeeping.PendingResponseGeneration(); pending && pendingGen == msg.Generation {
		isResponseToOurs = true
	}

	var material *keyexchange.KeyMaterial

	if isResponseToOurs {
		e.mu.Lock()
		ourEphemeral := e.localECDH
		e.mu.Unlock()

		material, err = e.keyEngine.Derive(ourEphemeral.Private, remoteECDHRaw, msg.Fingerprint)
		if err != nil {
			return err
		}

		e.bookkeeping.ClearPending()
	} else {
		freshEphemeral, genErr := classical.GenerateECDHKeyPair()
		if genErr != nil {
			return fmt.Errorf("exchange: generating rotation response ephemeral: %w", genErr)
		}

		material, err = e.keyEngine.Derive(freshEphemeral.Private, remoteECDHRaw, msg.Fingerprint)
		if err != nil {
			return err
		}

		e.mu.Lock()
		e.localECDH = freshEphemeral
		e.mu.Unlock()

		if err := e.sendRotation(freshEphemeral, msg.Generation); err != nil {
			return err
		}
	}

	e.bookkeeping.Processed.Mark(msg.Generation)
	e.logger.Info("rotation applied", logging.Fields{"generation": material.Generation})
	e.fireRotation(material.Generation)

	return nil
}

// State returns the engine's current handshake state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the most recent handshake-level error, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LocalSigningKeyPair returns the session's ECDSA signing keypair, generated
// in Start. The session controller uses it to configure the chat cryptor and
// to compute the local safety-number fingerprint.
func (e *Engine) LocalSigningKeyPair() *classical.ECDSAKeyPair {
	return e.localSigning
}

// CurrentKeyMaterial returns the most recently derived KeyMaterial, or
// ErrNoActiveMaterial if the handshake has not completed yet.
func (e *Engine) CurrentKeyMaterial() (*keyexchange.KeyMaterial, error) {
	return e.keyEngine.Current()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) reportError(err error) {
	e.mu.Lock()
	e.state = StateError
	e.lastErr = err
	e.mu.Unlock()
	e.logger.Error("handshake error", logging.Fields{"error": err.Error()})
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(err)
	}
}

func (e *Engine) fireComplete(generation uint64, peerSigningPublicKey []byte, peerFingerprint string) {
	if e.callbacks.OnComplete != nil {
		e.callbacks.OnComplete(generation, peerSigningPublicKey, peerFingerprint)
	}
}

func (e *Engine) fireRotation(generation uint64) {
	if e.callbacks.OnRotation != nil {
		e.callbacks.OnRotation(generation)
	}
}

func (e *Engine) fireVerificationFailed(err error) {
	if e.callbacks.OnVerificationFailed != nil {
		e.callbacks.OnVerificationFailed(err)
	}
}

func (e *Engine) rotationLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RotationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.RotateNow(); err != nil && !errors.Is(err, ErrRotationInProgress) {
				// Rotation failures degrade silently per spec §8: the
				// previous KeyMaterial remains active and the next tick
				// retries.
				continue
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// Close tears down the engine: it stops the retry, rotation and
// rotation-response goroutines and closes the nonce table. It does not
// clear or zero the local ephemeral pair, the signing pair, or the rotation
// bookkeeping.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	e.nonces.Close()
}

func timestampMillis() int64 {
	return time.Now().UnixMilli()
}
