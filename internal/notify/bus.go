package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// channelName is the Valkey/Redis pub/sub channel every server process publishes notifications to and subscribes
// from, so that an event raised on one process reaches subscribers connected to any other.
const channelName = "ssf.notify.events"

// DefaultBufferSize is the per-subscriber channel capacity used when a caller does not specify one.
const DefaultBufferSize = 32

// subscriber is one SSE connection's delivery channel.
type subscriber struct {
	id   uint64
	ch   chan Event
	done chan struct{}
}

// Bus fans out Event values to local subscribers and relays them across processes via Redis pub/sub, matching the
// shape of a WebSocket hub's client registry but addressed by recipient email instead of connection ID.
type Bus struct {
	rdb *redis.Client
	log zerolog.Logger

	mu        sync.RWMutex
	nextID    uint64
	byUser    map[string][]*subscriber
	closeOnce sync.Once
	closed    chan struct{}
}

// NewBus creates a new notification bus backed by the given Redis/Valkey client.
func NewBus(rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		rdb:    rdb,
		log:    logger.With().Str("component", "notify").Logger(),
		byUser: make(map[string][]*subscriber),
		closed: make(chan struct{}),
	}
}

// Publish serializes event and publishes it to the shared channel. Delivery to subscribers happens asynchronously
// once Run relays the message back from Redis, including to subscribers on this same process.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notify event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelName, payload).Err(); err != nil {
		return fmt.Errorf("publish notify event: %w", err)
	}
	return nil
}

// Run subscribes to the shared Redis channel and dispatches received events to local subscribers. It blocks until
// ctx is cancelled, at which point every subscriber channel is closed so blocked SSE handlers unblock and return
// (subscribers are terminated on server shutdown, per §4.6).
func (b *Bus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, channelName)
	defer func() { _ = sub.Close() }()

	b.log.Info().Msg("Notification bus subscribed to event channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				b.closeAll()
				return nil
			}
			b.dispatch(msg.Payload)
		}
	}
}

// dispatch decodes a single pub/sub payload and delivers it to every local subscriber registered for its recipient.
func (b *Bus) dispatch(payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.log.Warn().Err(err).Msg("Invalid notify event envelope")
		return
	}

	b.mu.RLock()
	subs := b.byUser[event.Recipient]
	targets := make([]*subscriber, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(event)
	}
}

// Subscribe registers a new subscriber for recipient and returns a receive-only channel of events addressed to
// them, plus a cancel function the caller must invoke when the SSE connection closes.
func (b *Bus) Subscribe(recipient string, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	b.mu.Lock()
	b.nextID++
	s := &subscriber{id: b.nextID, ch: make(chan Event, bufferSize), done: make(chan struct{})}
	b.byUser[recipient] = append(b.byUser[recipient], s)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byUser[recipient]
		for i, existing := range subs {
			if existing.id == s.id {
				b.byUser[recipient] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.byUser[recipient]) == 0 {
			delete(b.byUser, recipient)
		}
		s.close()
	}

	return s.ch, cancel
}

// SubscriberCount returns the number of currently-connected subscribers for recipient, for diagnostics.
func (b *Bus) SubscriberCount(recipient string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byUser[recipient])
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.byUser {
		for _, s := range subs {
			s.close()
		}
	}
	b.byUser = make(map[string][]*subscriber)
}

// enqueue delivers event without blocking. If the subscriber's buffer is full, the event is silently dropped, per
// §4.6's best-effort delivery model.
func (s *subscriber) enqueue(event Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.ch <- event:
	case <-s.done:
	default:
	}
}

func (s *subscriber) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		close(s.ch)
	}
}
