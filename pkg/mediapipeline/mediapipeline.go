// Package mediapipeline bridges the frame codec to the encoded-frame
// pipeline of a WebRTC peer connection (spec component C5). It owns one
// worker-like execution context per direction (sender/receiver) per media
// kind, communicating with the session controller through buffered channels
// rather than shared memory.
package mediapipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsecall/e2ee-core/pkg/crypto/framecodec"
	"github.com/pulsecall/e2ee-core/pkg/logging"
)

const (
	// DefaultBufferSize is the channel buffer depth for each pipeline stage.
	DefaultBufferSize = 100
	// MaxPendingOperations is the threshold above which the adapter logs a
	// warning instead of silently absorbing backpressure.
	MaxPendingOperations = 100
	// OperationTimeout is the per-frame crypto budget. The pipelines do not
	// enforce it: each encrypt/decrypt call runs to completion.
	OperationTimeout = 5 * time.Second
	// StatsUpdateInterval is how often accumulated stats are flushed to the
	// registered callback.
	StatsUpdateInterval = 5 * time.Second
)

// ErrUnknownKind indicates AttachSender/AttachReceiver was called for a kind
// the adapter was not configured with.
var ErrUnknownKind = errors.New("mediapipeline: unknown track kind")

// Stats is a point-in-time snapshot of one direction's frame counters.
type Stats struct {
	Kind             framecodec.Kind
	TotalFrames      uint64
	ProcessedFrames  uint64
	CryptoErrors     uint64
	DroppedFrames    uint64
	AvgLatencyMillis float64
	LastKeyRotation  time.Time
}

// statCounters holds the atomic, per-direction counters that back Stats.
// Latency is tracked as an exponential moving average, cheap enough to
// update on every frame without a mutex.
type statCounters struct {
	totalFrames     uint64
	processedFrames uint64
	cryptoErrors    uint64
	droppedFrames   uint64

	latencyMu   sync.Mutex
	avgLatency  float64
	lastRotated atomic.Value // time.Time
}

func (s *statCounters) recordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	s.latencyMu.Lock()
	if s.avgLatency == 0 {
		s.avgLatency = ms
	} else {
		const alpha = 0.2
		s.avgLatency = alpha*ms + (1-alpha)*s.avgLatency
	}
	s.latencyMu.Unlock()
}

func (s *statCounters) snapshot(kind framecodec.Kind) Stats {
	s.latencyMu.Lock()
	avg := s.avgLatency
	s.latencyMu.Unlock()

	var lastRotation time.Time
	if v := s.lastRotated.Load(); v != nil {
		lastRotation = v.(time.Time)
	}

	return Stats{
		Kind:             kind,
		TotalFrames:      atomic.LoadUint64(&s.totalFrames),
		ProcessedFrames:  atomic.LoadUint64(&s.processedFrames),
		CryptoErrors:     atomic.LoadUint64(&s.cryptoErrors),
		DroppedFrames:    atomic.LoadUint64(&s.droppedFrames),
		AvgLatencyMillis: avg,
		LastKeyRotation:  lastRotation,
	}
}

// SenderPipeline encrypts outgoing frames for one media kind. It sits
// between the encoder and the packetiser: plaintext frames are submitted via
// Submit and, once encrypted, become available via Output.
type SenderPipeline struct {
	kind  framecodec.Kind
	codec *framecodec.Codec

	enabled atomic.Bool

	inbound  chan []byte
	outbound chan []byte
	pending  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats  statCounters
	logger *logging.Logger
}

func newSenderPipeline(kind framecodec.Kind, bufferSize int, logger *logging.Logger) *SenderPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &SenderPipeline{
		kind:     kind,
		codec:    framecodec.New(),
		inbound:  make(chan []byte, bufferSize),
		outbound: make(chan []byte, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Submit enqueues a plaintext frame for encryption. Non-blocking: it returns
// false and drops the frame if the inbound buffer is full, mirroring
// back-pressure at the capture side rather than stalling the encoder.
func (p *SenderPipeline) Submit(frame []byte) bool {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	if n := p.pending.Add(1); n > MaxPendingOperations {
		p.logger.Warn("sender pending operations exceed warning threshold", logging.Fields{"kind": p.kind.String(), "pending": n})
	}

	select {
	case p.inbound <- buf:
		return true
	default:
		p.pending.Add(-1)
		atomic.AddUint64(&p.stats.droppedFrames, 1)
		return false
	}
}

// Output blocks until an encrypted frame is available for the packetiser or
// the context is cancelled.
func (p *SenderPipeline) Output(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, fmt.Errorf("mediapipeline: sender(%s) stopped", p.kind)
	case frame, ok := <-p.outbound:
		if !ok {
			return nil, fmt.Errorf("mediapipeline: sender(%s) output closed", p.kind)
		}
		return frame, nil
	}
}

// SetEncryptionEnabled toggles pass-through. Disabled senders still count
// frames through the pipeline but forward them unencrypted; used before
// activation and while draining in-flight frames during teardown.
func (p *SenderPipeline) SetEncryptionEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

func (p *SenderPipeline) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-p.inbound:
			if !ok {
				return
			}
			p.pending.Add(-1)
			atomic.AddUint64(&p.stats.totalFrames, 1)

			if !p.enabled.Load() {
				p.forward(frame)
				continue
			}

			start := time.Now()
			encrypted, err := p.codec.Encrypt(p.kind, frame)
			p.stats.recordLatency(time.Since(start))
			if err != nil {
				p.logger.Error("sender encrypt failed", logging.Fields{"kind": p.kind.String(), "error": err.Error()})
				atomic.AddUint64(&p.stats.cryptoErrors, 1)
				atomic.AddUint64(&p.stats.droppedFrames, 1)
				continue
			}
			atomic.AddUint64(&p.stats.processedFrames, 1)
			p.forward(encrypted)
		}
	}
}

func (p *SenderPipeline) forward(frame []byte) {
	select {
	case p.outbound <- frame:
	case <-p.ctx.Done():
	default:
		p.logger.Warn("sender output buffer full, dropping frame", logging.Fields{"kind": p.kind.String()})
		atomic.AddUint64(&p.stats.droppedFrames, 1)
	}
}

func (p *SenderPipeline) updateKey(key [framecodec.KeySize]byte, generation uint64) error {
	if err := p.codec.SetKey(key, generation); err != nil {
		return err
	}
	p.stats.lastRotated.Store(time.Now())
	return nil
}

func (p *SenderPipeline) stop() {
	p.cancel()
	p.wg.Wait()
	close(p.inbound)
	close(p.outbound)
}

// ReceiverPipeline decrypts inbound frames for one media kind, sitting
// between the depacketiser and the decoder.
type ReceiverPipeline struct {
	kind  framecodec.Kind
	codec *framecodec.Codec

	inbound  chan []byte
	outbound chan []byte
	pending  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats  statCounters
	logger *logging.Logger
}

func newReceiverPipeline(kind framecodec.Kind, bufferSize int, logger *logging.Logger) *ReceiverPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ReceiverPipeline{
		kind:     kind,
		codec:    framecodec.New(),
		inbound:  make(chan []byte, bufferSize),
		outbound: make(chan []byte, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Submit enqueues an encrypted frame received off the wire for decryption.
// Non-blocking, same back-pressure contract as SenderPipeline.Submit.
func (p *ReceiverPipeline) Submit(frame []byte) bool {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	if n := p.pending.Add(1); n > MaxPendingOperations {
		p.logger.Warn("receiver pending operations exceed warning threshold", logging.Fields{"kind": p.kind.String(), "pending": n})
	}

	select {
	case p.inbound <- buf:
		return true
	default:
		p.pending.Add(-1)
		atomic.AddUint64(&p.stats.droppedFrames, 1)
		return false
	}
}

// Output blocks until a decrypted frame is ready for the decoder.
func (p *ReceiverPipeline) Output(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, fmt.Errorf("mediapipeline: receiver(%s) stopped", p.kind)
	case frame, ok := <-p.outbound:
		if !ok {
			return nil, fmt.Errorf("mediapipeline: receiver(%s) output closed", p.kind)
		}
		return frame, nil
	}
}

func (p *ReceiverPipeline) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-p.inbound:
			if !ok {
				return
			}
			p.pending.Add(-1)
			atomic.AddUint64(&p.stats.totalFrames, 1)

			if !p.codec.Ready() {
				p.forward(frame)
				continue
			}

			start := time.Now()
			// The frame's true generation rides with the transport framing
			// in the production pipeline; here we attempt decrypt with the
			// codec's current generation and drop on AuthFailure, per the
			// "brief glitch rather than a lingering desync" contract.
			plaintext, err := p.codec.Decrypt(p.kind, p.codec.Generation(), frame)
			p.stats.recordLatency(time.Since(start))
			if err != nil {
				atomic.AddUint64(&p.stats.cryptoErrors, 1)
				atomic.AddUint64(&p.stats.droppedFrames, 1)
				continue
			}
			atomic.AddUint64(&p.stats.processedFrames, 1)
			p.forward(plaintext)
		}
	}
}

func (p *ReceiverPipeline) forward(frame []byte) {
	select {
	case p.outbound <- frame:
	case <-p.ctx.Done():
	default:
		p.logger.Warn("receiver output buffer full, dropping frame", logging.Fields{"kind": p.kind.String()})
		atomic.AddUint64(&p.stats.droppedFrames, 1)
	}
}

func (p *ReceiverPipeline) updateKey(key [framecodec.KeySize]byte, generation uint64) error {
	if err := p.codec.SetKey(key, generation); err != nil {
		return err
	}
	p.stats.lastRotated.Store(time.Now())
	return nil
}

func (p *ReceiverPipeline) stop() {
	p.cancel()
	p.wg.Wait()
	close(p.inbound)
	close(p.outbound)
}

// Adapter owns one SenderPipeline and one ReceiverPipeline per media kind
// and keeps their keys and encryption state in lock-step, as directed by the
// session controller during key install and rotation.
type Adapter struct {
	mu        sync.RWMutex
	senders   map[framecodec.Kind]*SenderPipeline
	receivers map[framecodec.Kind]*ReceiverPipeline

	bufferSize int
	logger     *logging.Logger
}

// NewAdapter constructs an Adapter with no tracks attached yet.
func NewAdapter() *Adapter {
	return &Adapter{
		senders:    make(map[framecodec.Kind]*SenderPipeline),
		receivers:  make(map[framecodec.Kind]*ReceiverPipeline),
		bufferSize: DefaultBufferSize,
		logger:     logging.Default().WithComponent("mediapipeline"),
	}
}

// SetLogger (re)binds the logger new pipelines are constructed with. Like
// exchange.Engine.SetLogger, it exists so a session controller can hand
// down a call_id-scoped logger built after NewAdapter runs.
func (a *Adapter) SetLogger(logger *logging.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = logger
}

// AttachSender installs an encryption pipeline between the encoder and the
// packetiser for the given track kind. Idempotent: re-attaching the same
// kind returns the existing pipeline.
func (a *Adapter) AttachSender(kind framecodec.Kind) *SenderPipeline {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.senders[kind]; ok {
		return p
	}
	p := newSenderPipeline(kind, a.bufferSize, a.logger)
	a.senders[kind] = p
	return p
}

// AttachReceiver installs a decryption pipeline between the depacketiser and
// the decoder for the given track kind. Callers on the chain-of-transforms
// platform must call this synchronously from the track-arrival callback,
// before the remote stream is published to the UI, or the platform will
// reject a later attach as too late.
func (a *Adapter) AttachReceiver(kind framecodec.Kind) *ReceiverPipeline {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.receivers[kind]; ok {
		return p
	}
	p := newReceiverPipeline(kind, a.bufferSize, a.logger)
	a.receivers[kind] = p
	return p
}

// UpdateKey propagates new key material to every attached sender and
// receiver. The caller must await its return (the install barrier) before
// calling EnableEncryption.
func (a *Adapter) UpdateKey(key [framecodec.KeySize]byte, generation uint64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for kind, s := range a.senders {
		if err := s.updateKey(key, generation); err != nil {
			return fmt.Errorf("mediapipeline: updating sender(%s) key: %w", kind, err)
		}
	}
	for kind, r := range a.receivers {
		if err := r.updateKey(key, generation); err != nil {
			return fmt.Errorf("mediapipeline: updating receiver(%s) key: %w", kind, err)
		}
	}
	return nil
}

// EnableEncryption turns on sender-side encryption for every attached
// sender. Receivers always attempt decryption once a key has been
// installed, so there is no symmetric receiver-side toggle.
func (a *Adapter) EnableEncryption() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.senders {
		s.SetEncryptionEnabled(true)
	}
}

// DisableEncryption reverts every attached sender to pass-through, used
// during teardown to drain in-flight frames without authentication errors.
func (a *Adapter) DisableEncryption() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.senders {
		s.SetEncryptionEnabled(false)
	}
}

// Stats returns a snapshot of every attached sender and receiver, keyed by
// "sender:<kind>" / "receiver:<kind>".
func (a *Adapter) Stats() map[string]Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Stats, 2*(len(a.senders)+len(a.receivers)))
	for kind, s := range a.senders {
		out["sender:"+kind.String()] = s.stats.snapshot(kind)
	}
	for kind, r := range a.receivers {
		out["receiver:"+kind.String()] = r.stats.snapshot(kind)
	}
	return out
}

// RunStatsLoop flushes Stats() to onFlush every StatsUpdateInterval until
// ctx is cancelled. The session controller typically runs this in its own
// goroutine for the lifetime of the call.
func (a *Adapter) RunStatsLoop(ctx context.Context, onFlush func(map[string]Stats)) {
	ticker := time.NewTicker(StatsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onFlush(a.Stats())
		}
	}
}

// Close stops every attached pipeline; frames still buffered in a
// pipeline's input channel are discarded, not processed.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.senders {
		s.stop()
	}
	for _, r := range a.receivers {
		r.stop()
	}
}
