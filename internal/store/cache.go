package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/models"
)

const cacheOpTimeout = 2 * time.Second

// pairKey is the same for (a, b) and (b, a).
func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("history:%d:%d", a, b)
}

func versionKey(pair string) string { return pair + ":ver" }

func listKey(pair string, version int64) string {
	return fmt.Sprintf("%s:v%d", pair, version)
}

// CachedStore keeps whole pair histories in Redis lists keyed by a per-pair
// version. Append bumps the version, so a list warmed from a read that raced
// with a write lands under a version nobody reads again and simply expires.
// Histories longer than maxLen are not cached. Redis failures are logged and
// fall through to the wrapped store.
type CachedStore struct {
	next   MessageStore
	client redis.Cmdable
	ttl    time.Duration
	maxLen int
	log    logging.Logger
}

func NewCachedStore(next MessageStore, client redis.Cmdable, ttl time.Duration, maxLen int, log logging.Logger) *CachedStore {
	return &CachedStore{
		next:   next,
		client: client,
		ttl:    ttl,
		maxLen: maxLen,
		log:    log,
	}
}

func (s *CachedStore) Append(ctx context.Context, msg *models.Message) (int64, error) {
	id, err := s.next.Append(ctx, msg)
	if err != nil {
		return 0, err
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOpTimeout)
	defer cancel()
	if err := s.client.Incr(cctx, versionKey(pairKey(msg.Sender, msg.Recipient))).Err(); err != nil {
		s.log.Warn(ctx, "history cache invalidation failed", "sender", msg.Sender, "recipient", msg.Recipient, "error", err)
	}
	return id, nil
}

func (s *CachedStore) Query(ctx context.Context, a, b int64) ([]*models.Message, error) {
	pair := pairKey(a, b)

	version, err := s.version(ctx, pair)
	if err != nil {
		s.log.Warn(ctx, "history cache version read failed", "key", pair, "error", err)
		return s.next.Query(ctx, a, b)
	}

	key := listKey(pair, version)
	if cached, ok := s.load(ctx, key); ok {
		return cached, nil
	}

	msgs, err := s.next.Query(ctx, a, b)
	if err != nil {
		return nil, err
	}
	s.warm(ctx, key, msgs)
	return msgs, nil
}

func (s *CachedStore) version(ctx context.Context, pair string) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	v, err := s.client.Get(cctx, versionKey(pair)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (s *CachedStore) load(ctx context.Context, key string) ([]*models.Message, bool) {
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	raw, err := s.client.LRange(cctx, key, 0, -1).Result()
	if err != nil {
		s.log.Warn(ctx, "history cache read failed", "key", key, "error", err)
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}

	msgs := make([]*models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.log.Warn(ctx, "history cache entry corrupt", "key", key, "error", err)
			return nil, false
		}
		msgs = append(msgs, &m)
	}
	return msgs, true
}

func (s *CachedStore) warm(ctx context.Context, key string, msgs []*models.Message) {
	if len(msgs) == 0 || len(msgs) > s.maxLen {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return
		}
		values = append(values, data)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(cctx, key)
	pipe.RPush(cctx, key, values...)
	pipe.Expire(cctx, key, s.ttl)
	if _, err := pipe.Exec(cctx); err != nil {
		s.log.Warn(ctx, "history cache warm failed", "key", key, "error", err)
	}
}
