package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the pair in a Redis hash so several client processes can
// share one session. Every write is announced on a pub/sub channel tagged
// with the writer's instance id; announcements from other instances are
// reported on Changes.
type RedisStore struct {
	client   redis.UniversalClient
	key      string
	channel  string
	instance string
	logger   *slog.Logger

	sub     *redis.PubSub
	changes chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRedisStore creates a store under the given profile and subscribes to its
// change channel.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, profile string, logger *slog.Logger) (*RedisStore, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisStore{
		client:   client,
		key:      "tradeport:session:" + profile,
		channel:  "tradeport:session:" + profile + ":changed",
		instance: uuid.NewString(),
		logger:   logger,
		changes:  make(chan struct{}, 1),
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s.sub = client.Subscribe(ctx, s.channel)
	// Wait for the subscription confirmation so no write is missed.
	if _, err := s.sub.Receive(ctx); err != nil {
		s.sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.listen(listenCtx)
	return s, nil
}

// Changes implements Notifier.
func (s *RedisStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *RedisStore) Load(ctx context.Context) (Pair, error) {
	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Pair{}, fmt.Errorf("load tokens: %w", err)
	}
	p := Pair{AccessToken: vals["access"], RefreshToken: vals["refresh"]}
	// A half-written hash is not a session.
	if !p.Complete() {
		return Pair{}, nil
	}
	return p, nil
}

func (s *RedisStore) Save(ctx context.Context, p Pair) error {
	if p.IsZero() {
		return s.Clear(ctx)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key, "access", p.AccessToken, "refresh", p.RefreshToken)
	pipe.Publish(ctx, s.channel, s.instance)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	pipe.Publish(ctx, s.channel, s.instance)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// Close unsubscribes. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.sub.Close()
		s.wg.Wait()
	})
	return err
}

func (s *RedisStore) listen(ctx context.Context) {
	defer s.wg.Done()
	ch := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == s.instance {
				continue
			}
			s.logger.Debug("Token change from another instance", "from", msg.Payload)
			select {
			case s.changes <- struct{}{}:
			default:
			}
		}
	}
}
