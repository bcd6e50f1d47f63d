// Package signalling provides concrete exchange.Transport implementations
// over an untrusted signalling channel. The core never assumes a specific
// transport (spec §1 non-goal: "the signalling transport implementation");
// this package is the reference wiring a caller can use as-is or replace.
package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsecall/e2ee-core/pkg/wire"
)

// WebSocketConfig configures a WebSocketTransport dial.
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
}

// DefaultWebSocketConfig returns sane defaults for a signalling-only
// connection (messages are small JSON envelopes, not media).
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

// Dispatch routes an inbound wire.Message to the matching exchange engine
// handler by its Type field. pkg/exchange.Engine methods implement this
// shape directly, so a *exchange.Engine can be passed in three times over:
// Dispatch{OnKeyOffer: engine.HandleKeyOffer, ...}.
type Dispatch struct {
	OnKeyOffer    func(wire.Message) error
	OnKeyAnswer   func(wire.Message) error
	OnKeyRotation func(wire.Message) error
}

// WebSocketTransport implements exchange.Transport over a single
// gorilla/websocket connection, framing each wire.Message as one JSON text
// message. It is the signalling-channel analogue of the media pipeline's
// worker loops: a read loop, a write loop, and a ping loop, independent
// goroutines joined by channels.
type WebSocketTransport struct {
	cfg  WebSocketConfig
	conn *websocket.Conn

	sendChan chan wire.Message
	errChan  chan error

	dispatch Dispatch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	connected bool
}

// Dial establishes the WebSocket connection and starts the transport's
// background loops. Register the dispatch before calling an exchange
// engine's Start, so an early message from the peer is never lost.
func Dial(cfg WebSocketConfig, dispatch Dispatch) (*WebSocketTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	t := &WebSocketTransport{
		cfg:      cfg,
		sendChan: make(chan wire.Message, 32),
		errChan:  make(chan error, 8),
		dispatch: dispatch,
		ctx:      ctx,
		cancel:   cancel,
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("signalling: invalid URL: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: cfg.HandshakeTimeout}
			return d.DialContext(ctx, network, addr)
		},
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("signalling: dial failed: %w", err)
	}

	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	t.conn = conn
	t.connected = true

	t.wg.Add(3)
	go t.readLoop()
	go t.writeLoop()
	go t.pingLoop()

	return t, nil
}

// SendKeyOffer satisfies exchange.Transport.
func (t *WebSocketTransport) SendKeyOffer(msg wire.Message) error { return t.enqueue(msg) }

// SendKeyAnswer satisfies exchange.Transport.
func (t *WebSocketTransport) SendKeyAnswer(msg wire.Message) error { return t.enqueue(msg) }

// SendKeyRotation satisfies exchange.Transport.
func (t *WebSocketTransport) SendKeyRotation(msg wire.Message) error { return t.enqueue(msg) }

func (t *WebSocketTransport) enqueue(msg wire.Message) error {
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()
	if !connected {
		return fmt.Errorf("signalling: not connected")
	}

	select {
	case t.sendChan <- msg:
		return nil
	case <-t.ctx.Done():
		return fmt.Errorf("signalling: transport closed")
	default:
		return fmt.Errorf("signalling: send buffer full")
	}
}

// Errors returns the channel of asynchronous transport errors (decode
// failures, unexpected close, ping failures).
func (t *WebSocketTransport) Errors() <-chan error {
	return t.errChan
}

func (t *WebSocketTransport) readLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if t.cfg.ReadTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.reportError(fmt.Errorf("signalling: read error: %w", err))
			}
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.reportError(fmt.Errorf("signalling: decode error: %w", err))
			continue
		}

		if err := t.route(msg); err != nil {
			t.reportError(fmt.Errorf("signalling: handler error: %w", err))
		}
	}
}

func (t *WebSocketTransport) route(msg wire.Message) error {
	switch msg.Type {
	case wire.KeyOffer:
		if t.dispatch.OnKeyOffer != nil {
			return t.dispatch.OnKeyOffer(msg)
		}
	case wire.KeyAnswer:
		if t.dispatch.OnKeyAnswer != nil {
			return t.dispatch.OnKeyAnswer(msg)
		}
	case wire.KeyRotation:
		if t.dispatch.OnKeyRotation != nil {
			return t.dispatch.OnKeyRotation(msg)
		}
	default:
		return wire.ErrUnknownMessageType
	}
	return nil
}

func (t *WebSocketTransport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.sendChan:
			data, err := json.Marshal(msg)
			if err != nil {
				t.reportError(fmt.Errorf("signalling: encode error: %w", err))
				continue
			}

			if t.cfg.WriteTimeout > 0 {
				_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			}

			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.reportError(fmt.Errorf("signalling: write error: %w", err))
				return
			}
		}
	}
}

func (t *WebSocketTransport) pingLoop() {
	defer t.wg.Done()

	if t.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				t.reportError(fmt.Errorf("signalling: ping error: %w", err))
				return
			}
		}
	}
}

func (t *WebSocketTransport) reportError(err error) {
	select {
	case t.errChan <- err:
	default:
	}
}

// Close gracefully shuts down the transport: it sends a close frame, stops
// the background loops, and releases the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
	_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return t.conn.Close()
}
