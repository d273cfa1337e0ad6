package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"flowmesh/pkg/cluster"
)

// AllTopics subscribes to every public topic.
const AllTopics = "*"

// Topics starting with this prefix are internal and not delivered to AllTopics subscribers.
const internalPrefix = "_"

const pingTopic = internalPrefix + "cluster.ping"

const ErrCodeInvalidTopic = "INVALID_TOPIC"

// ErrInvalidTopic rejects publishes to empty, wildcard or internal topics.
var ErrInvalidTopic = apperrors.New("invalid topic", apperrors.CategoryBadInput).
	WithTextCode(ErrCodeInvalidTopic)

// Config tunes the bus.
type Config struct {
	// Buffer is the default subscription channel size.
	Buffer int
	Logger hclog.Logger
}

// Bus fans replicated events out to local subscribers. Delivery never blocks the
// apply path; an event that does not fit a subscriber's buffer is dropped and counted.
type Bus struct {
	sub    cluster.Substrate
	cfg    Config
	logger hclog.Logger
	stop   func()

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	pings   map[string]chan struct{}
	dropped atomic.Uint64
}

// Subscription receives events for one topic.
type Subscription struct {
	C     <-chan cluster.Event
	ch    chan cluster.Event
	topic string
	id    uint64
	bus   *Bus
	once  sync.Once
}

// New attaches a bus to the local replica of sub.
func New(sub cluster.Substrate, cfg Config) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	b := &Bus{
		sub:    sub,
		cfg:    cfg,
		logger: logger.Named("eventbus"),
		subs:   make(map[uint64]*Subscription),
		pings:  make(map[string]chan struct{}),
	}
	b.stop = sub.FSM().Observe(b.deliver)
	return b
}

// Publish replicates an event on topic. Returns the event id.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || topic == AllTopics || strings.HasPrefix(topic, internalPrefix) {
		err := ErrInvalidTopic.Clone()
		err.Message = fmt.Sprintf("invalid topic %q", topic)
		return "", err
	}
	return b.publish(ctx, topic, payload)
}

func (b *Bus) publish(ctx context.Context, topic string, payload map[string]any) (string, error) {
	id := uuid.NewString()
	_, err := cluster.ApplyCommand(ctx, b.sub, cluster.CmdEventPublish, cluster.EventPayload{ID: id, Topic: topic, Payload: payload})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe returns a subscription to topic, or every public topic for AllTopics.
// A buffer of zero uses the configured default.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.cfg.Buffer
	}
	ch := make(chan cluster.Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{C: ch, ch: ch, topic: topic, id: b.nextID, bus: b}
	b.subs[s.id] = s
	return s
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Dropped is the number of deliveries dropped on full subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Ping publishes a probe event and waits until the local replica delivers it.
func (b *Bus) Ping(ctx context.Context) error {
	probe := uuid.NewString()
	done := make(chan struct{}, 1)
	b.mu.Lock()
	b.pings[probe] = done
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pings, probe)
		b.mu.Unlock()
	}()

	if _, err := b.publish(ctx, pingTopic, map[string]any{"probe": probe}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return cluster.Unavailable("event bus probe not delivered", ctx.Err())
	}
}

// Close detaches the bus from the replica and closes every subscription.
func (b *Bus) Close() {
	b.stop()
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) deliver(ev cluster.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.Topic == pingTopic {
		if probe, _ := ev.Payload["probe"].(string); probe != "" {
			if done, ok := b.pings[probe]; ok {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}
		return
	}

	for _, s := range b.subs {
		if s.topic != ev.Topic && s.topic != AllTopics {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, event dropped", "topic", ev.Topic, "id", ev.ID)
		}
	}
}
