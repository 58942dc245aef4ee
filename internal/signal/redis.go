package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatr4661-cell/callkit/internal/util"
)

// RedisStore implements Store on Redis: records are appended to a per-call
// list (the range-query surface) and published on a per-call channel (the
// live-subscription surface). The list carries a TTL so stale calls age out
// on their own.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a Store backed by rdb. Prefix is optional
// (defaults to "call").
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "call"
	}
	return &RedisStore{rdb: rdb, prefix: p, ttl: ttl}
}

func (s *RedisStore) listKey(callID string) string {
	return fmt.Sprintf("%s:%s:signals", s.prefix, callID)
}

func (s *RedisStore) chanKey(callID string) string {
	return fmt.Sprintf("%s:%s:events", s.prefix, callID)
}

func (s *RedisStore) Insert(ctx context.Context, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.listKey(sig.CallID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.listKey(sig.CallID), s.ttl)
	}
	pipe.Publish(ctx, s.chanKey(sig.CallID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, callID string, fn func(Signal), onDown func(error)) (func(), error) {
	ps := s.rdb.Subscribe(ctx, s.chanKey(callID))
	// Force the subscription onto the wire before returning, so no record
	// inserted after Subscribe can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to call %s: %w", callID, err)
	}

	disposed := make(chan struct{})
	go func() {
		for msg := range ps.Channel() {
			var sig Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				util.LogWarning("dropping malformed signal on %s: %v", callID, err)
				continue
			}
			fn(sig)
		}
		// The channel only closes when the PubSub shuts down; anything
		// other than our own dispose is a broken subscription.
		select {
		case <-disposed:
		default:
			if onDown != nil {
				onDown(fmt.Errorf("pubsub stream for call %s closed", callID))
			}
		}
	}()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			close(disposed)
			_ = ps.Close()
		})
	}
	return dispose, nil
}

func (s *RedisStore) List(ctx context.Context, callID string) ([]Signal, error) {
	raw, err := s.rdb.LRange(ctx, s.listKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list signals for %s: %w", callID, err)
	}
	out := make([]Signal, 0, len(raw))
	for _, item := range raw {
		var sig Signal
		if err := json.Unmarshal([]byte(item), &sig); err != nil {
			util.LogWarning("skipping malformed stored signal on %s: %v", callID, err)
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}
