package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisOptions configures the Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	LockTTL  time.Duration
	CacheTTL time.Duration
}

// RedisStore backs the distributed turn lock, the image URL cache and the
// cross-node session event fan-out.
type RedisStore struct {
	client   *redis.Client
	lockTTL  time.Duration
	cacheTTL time.Duration
}

const (
	turnLockPrefix     = "storyos:turnlock:"
	imageURLPrefix     = "storyos:image:"
	sessionEventPrefix = "storyos:events:"
)

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still holds our token
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedisStore(client, opts), nil
}

func newRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	return &RedisStore{client: client, lockTTL: opts.LockTTL, cacheTTL: opts.CacheTTL}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// TryLock takes the session's turn lock with SET NX. The TTL is renewed
// every third of its length until unlock, so a slow turn keeps the lock and
// a holder that dies loses it within one TTL.
func (s *RedisStore) TryLock(ctx context.Context, sessionID string) (func(), bool, error) {
	key := turnLockPrefix + sessionID
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire turn lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	go s.keepLock(key, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, s.client, []string{key}, token).Err()
	}, true, nil
}

func (s *RedisStore) keepLock(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		held, err := refreshScript.Run(ctx, s.client, []string{key}, token, s.lockTTL.Milliseconds()).Int()
		cancel()
		switch {
		case errors.Is(err, redis.ErrClosed):
			return
		case err == nil && held == 0:
			// expired or taken over
			return
		}
	}
}

// GetImageURL returns a cached image URL for the cache key
func (s *RedisStore) GetImageURL(ctx context.Context, key string) (string, bool, error) {
	url, err := s.client.Get(ctx, imageURLPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read image cache: %w", err)
	}
	return url, true, nil
}

// PutImageURL caches an image URL
func (s *RedisStore) PutImageURL(ctx context.Context, key, url string) error {
	if err := s.client.Set(ctx, imageURLPrefix+key, url, s.cacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to write image cache: %w", err)
	}
	return nil
}

// PublishSessionEvent fans a session notification out to every node
func (s *RedisStore) PublishSessionEvent(ctx context.Context, sessionID string, payload []byte) error {
	return s.client.Publish(ctx, sessionEventPrefix+sessionID, payload).Err()
}

// SubscribeSessionEvents delivers notifications published for the session
// until ctx is done or the returned cancel function is called.
func (s *RedisStore) SubscribeSessionEvents(ctx context.Context, sessionID string) (<-chan []byte, func(), error) {
	sub := s.client.Subscribe(ctx, sessionEventPrefix+sessionID)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					// slow subscriber, drop
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}, nil
}
