package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig holds connection settings for the Kafka-backed store.
type KafkaConfig struct {
	// Brokers is a comma-separated broker list.
	Brokers string

	// TopicPrefix namespaces the per-partition topics. A community "acme"
	// maps to topic "<prefix>.acme". Defaults to "findme.alerts".
	TopicPrefix string
}

// KafkaStore implements the event-log half of Store on Kafka. Each community
// partition is a topic; a tail subscription is a groupless reader starting
// at the first offset, which naturally yields the full history followed by
// live appends. Kafka has no point key-value surface, so Get/Set delegate to
// an injected KV (Redis in the standard deployment).
type KafkaStore struct {
	brokers []string
	prefix  string
	kv      KV
	log     *zap.SugaredLogger

	mu      sync.Mutex
	closed  bool
	writers map[string]*kafka.Writer
	subs    map[*kafkaSubscription]struct{}
}

// NewKafkaStore creates a Kafka-backed store. The kv argument supplies the
// point lookup/write surface and must not be nil.
func NewKafkaStore(cfg KafkaConfig, kv KV, log *zap.SugaredLogger) (*KafkaStore, error) {
	if cfg.Brokers == "" {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if kv == nil {
		return nil, fmt.Errorf("kafka store requires a key-value backend")
	}

	brokers := strings.Split(cfg.Brokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "findme.alerts"
	}

	return &KafkaStore{
		brokers: brokers,
		prefix:  prefix,
		kv:      kv,
		log:     log,
		writers: make(map[string]*kafka.Writer),
		subs:    make(map[*kafkaSubscription]struct{}),
	}, nil
}

func (s *KafkaStore) topic(partition string) string {
	return fmt.Sprintf("%s.%s", s.prefix, partition)
}

func (s *KafkaStore) writer(partition string) (*kafka.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	topic := s.topic(partition)
	if w, ok := s.writers[topic]; ok {
		return w, nil
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(s.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	s.writers[topic] = w
	return w, nil
}

// Publish appends the record to the partition's topic.
func (s *KafkaStore) Publish(ctx context.Context, partition string, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	w, err := s.writer(partition)
	if err != nil {
		return err
	}

	if err := w.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}

	return nil
}

// SubscribeTail reads the partition's topic from the first offset, so every
// existing record replays before live ones arrive. Callback invocations are
// serialized on the reader goroutine.
func (s *KafkaStore) SubscribeTail(ctx context.Context, partition string, fn RecordFunc) (Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.Unlock()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		Topic:       s.topic(partition),
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{
		store:  s,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(runCtx, fn)

	return sub, nil
}

// Get delegates to the injected key-value backend.
func (s *KafkaStore) Get(ctx context.Context, path string) (string, bool, error) {
	return s.kv.Get(ctx, path)
}

// Set delegates to the injected key-value backend.
func (s *KafkaStore) Set(ctx context.Context, path string, value string) error {
	return s.kv.Set(ctx, path, value)
}

// Close stops all subscriptions and releases the writers.
func (s *KafkaStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*kafkaSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*kafkaSubscription]struct{})
	writers := s.writers
	s.writers = make(map[string]*kafka.Writer)
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *KafkaStore) removeSub(sub *kafkaSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

type kafkaSubscription struct {
	store  *KafkaStore
	reader *kafka.Reader
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

func (sub *kafkaSubscription) run(ctx context.Context, fn RecordFunc) {
	defer close(sub.done)

	for {
		msg, err := sub.reader.ReadMessage(ctx)
		if err != nil {
			// Context cancellation means Close was called; anything else is
			// a dead transport, which the observer handles by resubscribing
			// if it chooses to.
			if ctx.Err() == nil && sub.store.log != nil {
				sub.store.log.Errorw("Tail read failed", "topic", sub.reader.Config().Topic, "error", err)
			}
			return
		}

		var record map[string]any
		if err := json.Unmarshal(msg.Value, &record); err != nil {
			if sub.store.log != nil {
				sub.store.log.Warnw("Dropping undecodable store entry", "topic", sub.reader.Config().Topic, "error", err)
			}
			continue
		}

		fn(record)
	}
}

// Close stops the reader goroutine and releases the reader. Idempotent.
func (sub *kafkaSubscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		sub.cancel()
		err = sub.reader.Close()
		sub.store.removeSub(sub)
		<-sub.done
	})
	return err
}
