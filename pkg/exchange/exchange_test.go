package exchange

import (
	"sync"
	"testing"
	"time"

	"github.com/pulsecall/e2ee-core/pkg/wire"
)

// pairedTransport delivers messages synchronously to the peer engine,
// simulating an instantaneous signalling channel for tests.
type pairedTransport struct {
	mu   sync.Mutex
	peer *Engine
}

func (p *pairedTransport) SendKeyOffer(msg wire.Message) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	go peer.HandleKeyOffer(msg)
	return nil
}

func (p *pairedTransport) SendKeyAnswer(msg wire.Message) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	go peer.HandleKeyAnswer(msg)
	return nil
}

func (p *pairedTransport) SendKeyRotation(msg wire.Message) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	go peer.HandleKeyRotation(msg)
	return nil
}

func waitForComplete(t *testing.T, ch chan uint64, timeout time.Duration) uint64 {
	t.Helper()
	select {
	case gen := <-ch:
		return gen
	case <-time.After(timeout):
		t.Fatal("timed out waiting for KeyExchangeComplete")
		return 0
	}
}

func TestCleanHandshake(t *testing.T) {
	initTransport := &pairedTransport{}
	partTransport := &pairedTransport{}

	initComplete := make(chan uint64, 1)
	partComplete := make(chan uint64, 1)

	cfg := DefaultConfig()
	cfg.StabilisationDelay = time.Millisecond

	initiator := New(RoleInitiator, cfg, initTransport, Callbacks{
		OnComplete: func(generation uint64, _ []byte, _ string) { initComplete <- generation },
		OnError:    func(err error) { t.Errorf("initiator error: %v", err) },
	})
	participant := New(RoleParticipant, cfg, partTransport, Callbacks{
		OnComplete: func(generation uint64, _ []byte, _ string) { partComplete <- generation },
		OnError:    func(err error) { t.Errorf("participant error: %v", err) },
	})

	initTransport.peer = participant
	partTransport.peer = initiator

	if err := participant.Start(); err != nil {
		t.Fatalf("participant.Start: %v", err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatalf("initiator.Start: %v", err)
	}
	defer initiator.Close()
	defer participant.Close()

	initGen := waitForComplete(t, initComplete, 2*time.Second)
	partGen := waitForComplete(t, partComplete, 2*time.Second)

	if initGen != 1 || partGen != 1 {
		t.Fatalf("expected both sides at generation 1, got initiator=%d participant=%d", initGen, partGen)
	}

	if initiator.State() != StateComplete {
		t.Fatalf("expected initiator state complete, got %s", initiator.State())
	}
	if participant.State() != StateComplete {
		t.Fatalf("expected participant state complete, got %s", participant.State())
	}
}

func TestTamperedAnswerFailsVerification(t *testing.T) {
	initTransport := &pairedTransport{}
	partTransport := &pairedTransport{}

	verificationFailed := make(chan error, 1)

	cfg := DefaultConfig()
	cfg.StabilisationDelay = time.Millisecond

	initiator := New(RoleInitiator, cfg, initTransport, Callbacks{
		OnVerificationFailed: func(err error) { verificationFailed <- err },
		OnError:              func(err error) {},
	})

	// Tamper transport: participant -> initiator answer gets its publicKey
	// swapped after signing, simulating S3 from spec §7.
	tamperingTransport := &tamperingAnswerTransport{inner: partTransport}
	participant2 := New(RoleParticipant, cfg, tamperingTransport, Callbacks{
		OnError: func(err error) {},
	})

	initTransport.peer = participant2
	partTransport.peer = initiator

	if err := participant2.Start(); err != nil {
		t.Fatalf("participant2.Start: %v", err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatalf("initiator.Start: %v", err)
	}
	defer initiator.Close()
	defer participant2.Close()

	select {
	case err := <-verificationFailed:
		if err == nil {
			t.Fatal("expected non-nil verification error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for VerificationFailed")
	}

	if initiator.State() != StateError {
		t.Fatalf("expected initiator state error, got %s", initiator.State())
	}
}

// tamperingAnswerTransport swaps the ephemeral public key of every
// keyAnswer after it has already been signed, producing a signature that no
// longer covers the transmitted key.
type tamperingAnswerTransport struct {
	inner *pairedTransport
}

func (t *tamperingAnswerTransport) SendKeyOffer(msg wire.Message) error {
	return t.inner.SendKeyOffer(msg)
}

func (t *tamperingAnswerTransport) SendKeyAnswer(msg wire.Message) error {
	msg.PublicKey = msg.PublicKey[:len(msg.PublicKey)-4] + "AAAA"
	return t.inner.SendKeyAnswer(msg)
}

func (t *tamperingAnswerTransport) SendKeyRotation(msg wire.Message) error {
	return t.inner.SendKeyRotation(msg)
}

// tamperingOfferTransport swaps the ephemeral public key of every keyOffer
// after it has already been signed, producing a signature that no longer
// covers the transmitted key.
type tamperingOfferTransport struct {
	inner *pairedTransport
}

func (t *tamperingOfferTransport) SendKeyOffer(msg wire.Message) error {
	msg.PublicKey = msg.PublicKey[:len(msg.PublicKey)-4] + "AAAA"
	return t.inner.SendKeyOffer(msg)
}

func (t *tamperingOfferTransport) SendKeyAnswer(msg wire.Message) error {
	return t.inner.SendKeyAnswer(msg)
}

func (t *tamperingOfferTransport) SendKeyRotation(msg wire.Message) error {
	return t.inner.SendKeyRotation(msg)
}

// TestTamperedOfferLeavesStateUnchanged covers testable property 5: a
// tampered keyOffer is rejected with VerificationFailed but leaves the
// participant's state exactly as it was before the offer arrived (idle
// here, since no handshake has completed yet), rather than flipping it to
// StateError the way a tampered keyAnswer does for the initiator (S3).
func TestTamperedOfferLeavesStateUnchanged(t *testing.T) {
	initTransport := &pairedTransport{}
	partTransport := &pairedTransport{}

	verificationFailed := make(chan error, 1)

	cfg := DefaultConfig()
	cfg.StabilisationDelay = time.Millisecond

	tamperingTransport := &tamperingOfferTransport{inner: initTransport}
	initiator := New(RoleInitiator, cfg, tamperingTransport, Callbacks{
		OnError: func(err error) {},
	})
	participant := New(RoleParticipant, cfg, partTransport, Callbacks{
		OnVerificationFailed: func(err error) { verificationFailed <- err },
		OnError:              func(err error) {},
	})

	initTransport.peer = participant
	partTransport.peer = initiator

	if err := participant.Start(); err != nil {
		t.Fatalf("participant.Start: %v", err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatalf("initiator.Start: %v", err)
	}
	defer initiator.Close()
	defer participant.Close()

	select {
	case err := <-verificationFailed:
		if err == nil {
			t.Fatal("expected non-nil verification error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for VerificationFailed")
	}

	if participant.State() != StateIdle {
		t.Fatalf("expected participant state to remain idle, got %s", participant.State())
	}
}

// lateJoinTransport counts keyOffer sends and only forwards them once a
// peer has been wired, simulating the participant being absent for the
// initiator's first retry loop (spec §4.4/S6).
type lateJoinTransport struct {
	mu         sync.Mutex
	peer       *Engine
	offerCount int
}

func (t *lateJoinTransport) SendKeyOffer(msg wire.Message) error {
	t.mu.Lock()
	t.offerCount++
	peer := t.peer
	t.mu.Unlock()
	if peer != nil {
		go peer.HandleKeyOffer(msg)
	}
	return nil
}

func (t *lateJoinTransport) SendKeyAnswer(msg wire.Message) error   { return nil }
func (t *lateJoinTransport) SendKeyRotation(msg wire.Message) error { return nil }

// TestLateJoinCancelsStaleInitiatorLoop covers the fix for the late-join
// re-trigger: once TriggerLateJoin starts a replacement initiatorLoop, the
// loop it replaces must stop sending offers and must never later flip a
// completed handshake to StateError via its own exhausted retries
// (testable property 6 — exactly one keyOffer loop in flight at steady
// state).
func TestLateJoinCancelsStaleInitiatorLoop(t *testing.T) {
	initTransport := &lateJoinTransport{}
	partTransport := &pairedTransport{}

	initComplete := make(chan uint64, 1)
	errCh := make(chan error, 4)

	cfg := DefaultConfig()
	cfg.StabilisationDelay = time.Millisecond
	cfg.LateJoinDelay = time.Millisecond
	cfg.KeyExchangeTimeout = 20 * time.Millisecond
	cfg.MaxRetryAttempts = 3
	cfg.BackoffMultiplier = 1
	cfg.JitterMax = 0

	initiator := New(RoleInitiator, cfg, initTransport, Callbacks{
		OnComplete: func(generation uint64, _ []byte, _ string) { initComplete <- generation },
		OnError:    func(err error) { errCh <- err },
	})

	if err := initiator.Start(); err != nil {
		t.Fatalf("initiator.Start: %v", err)
	}
	defer initiator.Close()

	// Let the first loop fire its initial offer into the void (no peer
	// wired yet) and settle into its retry wait.
	time.Sleep(5 * time.Millisecond)

	participant := New(RoleParticipant, cfg, partTransport, Callbacks{
		OnError: func(err error) { errCh <- err },
	})
	if err := participant.Start(); err != nil {
		t.Fatalf("participant.Start: %v", err)
	}
	defer participant.Close()
	partTransport.peer = initiator

	initTransport.mu.Lock()
	initTransport.peer = participant
	initTransport.mu.Unlock()

	initiator.TriggerLateJoin()

	waitForComplete(t, initComplete, 2*time.Second)

	// Give the stale loop's original retry schedule time to fully play out
	// (it would have called reportError(ErrRetriesExhausted) by now if it
	// were not cancelled).
	time.Sleep(150 * time.Millisecond)

	if initiator.State() != StateComplete {
		t.Fatalf("expected initiator state to remain complete, got %s", initiator.State())
	}

	select {
	case err := <-errCh:
		t.Fatalf("expected no error from stale initiator loop, got %v", err)
	default:
	}
}

func TestRotationHappyPath(t *testing.T) {
	initTransport := &pairedTransport{}
	partTransport := &pairedTransport{}

	initComplete := make(chan uint64, 1)
	partComplete := make(chan uint64, 1)
	initRotation := make(chan uint64, 1)
	partRotation := make(chan uint64, 1)

	cfg := DefaultConfig()
	cfg.StabilisationDelay = time.Millisecond
	cfg.RotationPeriod = 50 * time.Millisecond

	initiator := New(RoleInitiator, cfg, initTransport, Callbacks{
		OnComplete: func(generation uint64, _ []byte, _ string) { initComplete <- generation },
		OnRotation: func(generation uint64) { initRotation <- generation },
		OnError:    func(err error) { t.Errorf("initiator error: %v", err) },
	})
	participant := New(RoleParticipant, cfg, partTransport, Callbacks{
		OnComplete: func(generation uint64, _ []byte, _ string) { partComplete <- generation },
		OnRotation: func(generation uint64) { partRotation <- generation },
		OnError:    func(err error) { t.Errorf("participant error: %v", err) },
	})

	initTransport.peer = participant
	partTransport.peer = initiator

	if err := participant.Start(); err != nil {
		t.Fatalf("participant.Start: %v", err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatalf("initiator.Start: %v", err)
	}
	defer initiator.Close()
	defer participant.Close()

	waitForComplete(t, initComplete, 2*time.Second)
	waitForComplete(t, partComplete, 2*time.Second)

	initGen := waitForComplete(t, initRotation, 3*time.Second)
	partGen := waitForComplete(t, partRotation, 3*time.Second)

	if initGen != 2 || partGen != 2 {
		t.Fatalf("expected both sides to rotate to generation 2, got initiator=%d participant=%d", initGen, partGen)
	}
}
