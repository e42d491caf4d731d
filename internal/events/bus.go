package events

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack"
)

const TopicFlowTransitions = "grrshell.flow.transitions"

type FlowTransition struct {
	EventID     string    `msgpack:"event_id"`
	SessionID   string    `msgpack:"session_id"`
	ClientID    string    `msgpack:"client_id"`
	FlowID      string    `msgpack:"flow_id"`
	FlowName    string    `msgpack:"flow_name"`
	Kind        string    `msgpack:"kind"`
	From        string    `msgpack:"from"`
	To          string    `msgpack:"to"`
	LocalTarget string    `msgpack:"local_target"`
	ErrorDetail string    `msgpack:"error_detail"`
	At          time.Time `msgpack:"at"`
}

type Config struct {
	RedisURL string
	Stream   string
	Buffer   int64
}

// Bus fans flow transitions out to in-process subscribers and, when configured, to a
// redis stream.
type Bus struct {
	local      *gochannel.GoChannel
	publishers []message.Publisher
	redis      *redis.Client
	stream     string
	logger     watermill.LoggerAdapter

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu     sync.RWMutex
	closed bool
}

func NewBus(cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	local := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer}, logger)
	bus := &Bus{
		local:      local,
		publishers: []message.Publisher{local},
		stream:     TopicFlowTransitions,
		logger:     logger,
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if stream := strings.TrimSpace(cfg.Stream); stream != "" {
		bus.stream = stream
	}
	if redisURL := strings.TrimSpace(cfg.RedisURL); redisURL != "" {
		options, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = local.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(options)
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, logger)
		if err != nil {
			_ = client.Close()
			_ = local.Close()
			return nil, fmt.Errorf("create redis stream publisher: %w", err)
		}
		bus.redis = client
		bus.publishers = append(bus.publishers, &topicPublisher{publisher: publisher, topic: bus.stream})
	}
	return bus, nil
}

func (b *Bus) newEventID(at time.Time) string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), b.entropy).String()
}

// PublishTransition encodes the transition with msgpack and publishes it everywhere.
func (b *Bus) PublishTransition(ctx context.Context, transition FlowTransition) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus closed")
	}
	if transition.At.IsZero() {
		transition.At = time.Now()
	}
	if transition.EventID == "" {
		transition.EventID = b.newEventID(transition.At)
	}
	payload, err := msgpack.Marshal(transition)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	var firstErr error
	for _, publisher := range b.publishers {
		msg := message.NewMessage(transition.EventID, payload)
		msg.SetContext(ctx)
		msg.Metadata.Set("flow_id", transition.FlowID)
		msg.Metadata.Set("to", transition.To)
		if err := publisher.Publish(TopicFlowTransitions, msg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish transition %s: %w", transition.FlowID, err)
		}
	}
	return firstErr
}

// Subscribe returns decoded transitions until ctx is cancelled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan FlowTransition, error) {
	messages, err := b.local.Subscribe(ctx, TopicFlowTransitions)
	if err != nil {
		return nil, fmt.Errorf("subscribe transitions: %w", err)
	}
	out := make(chan FlowTransition, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			transition, err := Decode(msg.Payload)
			msg.Ack()
			if err != nil {
				b.logger.Error("decode transition", err, watermill.LogFields{"uuid": msg.UUID})
				continue
			}
			select {
			case out <- transition:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func Decode(payload []byte) (FlowTransition, error) {
	var transition FlowTransition
	if err := msgpack.Unmarshal(payload, &transition); err != nil {
		return FlowTransition{}, err
	}
	return transition, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, publisher := range b.publishers {
		if err := publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// topicPublisher routes every message to a fixed redis stream name.
type topicPublisher struct {
	publisher message.Publisher
	topic     string
}

func (p *topicPublisher) Publish(_ string, messages ...*message.Message) error {
	return p.publisher.Publish(p.topic, messages...)
}

func (p *topicPublisher) Close() error {
	return p.publisher.Close()
}
