package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pulsecall/e2ee-core/pkg/logging"
	"github.com/pulsecall/e2ee-core/pkg/wire"
)

// RedisConfig configures a RedisTransport. Each peer subscribes to the
// channel named for its own (room, peer) pair to receive messages addressed
// to it, and publishes to the remote peer's channel — the fan-out model for a server-
// mediated signalling deployment where peers are not directly reachable.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	RoomID   string
	PeerID   string
	// Logger receives malformed-message and handler-error diagnostics from
	// the subscribe loop. Defaults to logging.Default() if nil.
	Logger *logging.Logger
}

func channelName(roomID, peerID string) string {
	return fmt.Sprintf("pulsecall:signalling:%s:%s", roomID, peerID)
}

// RedisTransport implements exchange.Transport over Redis Pub/Sub. Unlike
// WebSocketTransport it is inherently addressed: sending requires knowing
// the remote peer's ID, so the transport is constructed once per remote
// peer within a room.
type RedisTransport struct {
	client     *redis.Client
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	roomID     string
	remotePeer string

	dispatch Dispatch
	logger   *logging.Logger
}

// DialRedis connects to Redis, subscribes to the local peer's channel, and
// starts routing inbound messages to dispatch. remotePeerID names the
// channel Send* publishes to; cfg.PeerID names the channel this transport
// subscribes on.
func DialRedis(cfg RedisConfig, remotePeerID string, dispatch Dispatch) (*RedisTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("signalling: redis connection failed: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("signalling")
	}

	t := &RedisTransport{
		client:     client,
		ctx:        ctx,
		cancel:     cancel,
		roomID:     cfg.RoomID,
		remotePeer: remotePeerID,
		dispatch:   dispatch,
		logger:     logger,
	}

	sub := client.Subscribe(ctx, channelName(cfg.RoomID, cfg.PeerID))

	t.wg.Add(1)
	go t.subscribeLoop(sub)

	return t, nil
}

func (t *RedisTransport) subscribeLoop(sub *redis.PubSub) {
	defer t.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-t.ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}

			var msg wire.Message
			if err := json.Unmarshal([]byte(payload.Payload), &msg); err != nil {
				t.logger.Warn("discarding malformed message", logging.Fields{"error": err.Error()})
				continue
			}

			if err := t.route(msg); err != nil {
				t.logger.Error("handler error", logging.Fields{"error": err.Error()})
			}
		}
	}
}

func (t *RedisTransport) route(msg wire.Message) error {
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

func (t *RedisTransport) publish(msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signalling: redis: encoding message: %w", err)
	}
	return t.client.Publish(t.ctx, channelName(t.roomID, t.remotePeer), data).Err()
}

// SendKeyOffer satisfies exchange.Transport.
func (t *RedisTransport) SendKeyOffer(msg wire.Message) error { return t.publish(msg) }

// SendKeyAnswer satisfies exchange.Transport.
func (t *RedisTransport) SendKeyAnswer(msg wire.Message) error { return t.publish(msg) }

// SendKeyRotation satisfies exchange.Transport.
func (t *RedisTransport) SendKeyRotation(msg wire.Message) error { return t.publish(msg) }

// Close stops the subscription loop and releases the Redis client.
func (t *RedisTransport) Close() error {
	t.cancel()
	t.wg.Wait()
	return t.client.Close()
}
