package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// KeyPrefix namespaces every key this store touches. Defaults to
	// "findme" when empty.
	KeyPrefix string
}

// RedisStore implements Store on a single Redis instance. Each partition is
// an RPUSH list (the durable history) paired with a pub/sub channel (the
// live tail). A tail subscription attaches to the channel first, then reads
// the list, so no append can fall between history and live delivery; the
// overlap window is reconciled by entry ID.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	subs   map[*redisSubscription]struct{}
}

// redisEntry is the envelope written to both the list and the channel. The
// ID is the store-assigned unique entry key.
type redisEntry struct {
	ID     string         `json:"id"`
	Record map[string]any `json:"record"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, log *zap.SugaredLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "findme"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		log:    log,
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

func (s *RedisStore) listKey(partition string) string {
	return fmt.Sprintf("%s:alerts:%s", s.prefix, partition)
}

func (s *RedisStore) liveChannel(partition string) string {
	return fmt.Sprintf("%s:alerts:%s:live", s.prefix, partition)
}

func (s *RedisStore) kvKey(path string) string {
	return fmt.Sprintf("%s:kv:%s", s.prefix, path)
}

// Publish appends the record to the partition list and announces it on the
// partition's live channel.
func (s *RedisStore) Publish(ctx context.Context, partition string, record map[string]any) error {
	entry := redisEntry{
		ID:     uuid.NewString(),
		Record: record,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := s.client.RPush(ctx, s.listKey(partition), data).Err(); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}

	if err := s.client.Publish(ctx, s.liveChannel(partition), data).Err(); err != nil {
		return fmt.Errorf("failed to announce record: %w", err)
	}

	return nil
}

// SubscribeTail delivers the partition's full history followed by live
// appends. Callback invocations are serialized on a single goroutine.
func (s *RedisStore) SubscribeTail(ctx context.Context, partition string, fn RecordFunc) (Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.Unlock()

	// Attach to the live channel before reading history. Wait for the
	// subscription confirmation so nothing published after this point can
	// be missed.
	pubsub := s.client.Subscribe(ctx, s.liveChannel(partition))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to live channel: %w", err)
	}

	history, err := s.client.LRange(ctx, s.listKey(partition), 0, -1).Result()
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to read partition history: %w", err)
	}

	sub := &redisSubscription{
		store:  s,
		pubsub: pubsub,
		fn:     fn,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(history)

	return sub, nil
}

// Get returns the value stored at path.
func (s *RedisStore) Get(ctx context.Context, path string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.kvKey(path)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return v, true, nil
}

// Set writes the value at path.
func (s *RedisStore) Set(ctx context.Context, path string, value string) error {
	if err := s.client.Set(ctx, s.kvKey(path), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

// Close shuts down all live subscriptions and the underlying client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*redisSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*redisSubscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	return s.client.Close()
}

func (s *RedisStore) removeSub(sub *redisSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// redisSubscription replays history then relays channel messages. Entries
// seen during history replay are remembered by ID so the overlap between
// the list snapshot and the channel attach point is not delivered twice.
type redisSubscription struct {
	store  *RedisStore
	pubsub *redis.PubSub
	fn     RecordFunc

	closeOnce sync.Once
	done      chan struct{}
}

func (sub *redisSubscription) run(history []string) {
	defer close(sub.done)

	replayed := make(map[string]struct{}, len(history))
	for _, raw := range history {
		entry, ok := sub.decode(raw)
		if !ok {
			continue
		}
		replayed[entry.ID] = struct{}{}
		sub.fn(entry.Record)
	}

	ch := sub.pubsub.Channel()
	for msg := range ch {
		entry, ok := sub.decode(msg.Payload)
		if !ok {
			continue
		}
		if _, seen := replayed[entry.ID]; seen {
			// Published while we were reading history; already delivered.
			delete(replayed, entry.ID)
			continue
		}
		sub.fn(entry.Record)
	}
}

func (sub *redisSubscription) decode(raw string) (redisEntry, bool) {
	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		if sub.store.log != nil {
			sub.store.log.Warnw("Dropping undecodable store entry", "error", err)
		}
		return redisEntry{}, false
	}
	return entry, true
}

// Close detaches from the live channel and stops delivery. Idempotent.
func (sub *redisSubscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		err = sub.pubsub.Close()
		sub.store.removeSub(sub)
		<-sub.done
	})
	return err
}
