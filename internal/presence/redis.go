package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// pruneScript drops members whose expiry score has passed, together with
// their entries in the names hash.
// KEYS[1] = room zset, KEYS[2] = names hash, ARGV[1] = now (unix seconds)
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL        string
	Prefix     string
	TTL        time.Duration
	MaxRetries int
}

// DefaultRedisConfig returns sensible defaults
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Prefix:     "padsync",
		TTL:        90 * time.Second,
		MaxRetries: 3,
	}
}

// RedisTracker keeps presence in a sorted set scored by expiry time and a
// hash of peer records per document. Entries expire unless refreshed.
type RedisTracker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisTracker connects to the Redis at config.URL
func NewRedisTracker(ctx context.Context, config *RedisConfig) (*RedisTracker, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.MaxRetries = config.MaxRetries

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisTrackerWithClient(rdb, config.Prefix, config.TTL), nil
}

// NewRedisTrackerWithClient wraps an existing client
func NewRedisTrackerWithClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *RedisTracker) roomKey(document string) string {
	return fmt.Sprintf("%s:presence:room:{%s}", r.prefix, document)
}

func (r *RedisTracker) peersKey(document string) string {
	return fmt.Sprintf("%s:presence:peers:{%s}", r.prefix, document)
}

// Join adds the peer, or refreshes its expiry when already present
func (r *RedisTracker) Join(ctx context.Context, document string, peer Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	expireAt := r.now().Add(r.ttl).Unix()

	tx := r.rdb.TxPipeline()
	tx.ZAdd(ctx, r.roomKey(document), redis.Z{Score: float64(expireAt), Member: peer.SessionID})
	tx.HSet(ctx, r.peersKey(document), peer.SessionID, data)
	tx.Expire(ctx, r.roomKey(document), r.ttl)
	tx.Expire(ctx, r.peersKey(document), r.ttl)
	_, err = tx.Exec(ctx)
	return err
}

// Leave removes the peer
func (r *RedisTracker) Leave(ctx context.Context, document, sessionID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, r.roomKey(document), sessionID)
	tx.HDel(ctx, r.peersKey(document), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

// Peers prunes expired members and returns the live ones
func (r *RedisTracker) Peers(ctx context.Context, document string) ([]Peer, error) {
	now := r.now().Unix()
	keys := []string{r.roomKey(document), r.peersKey(document)}
	if err := pruneScript.Run(ctx, r.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	ids, err := r.rdb.ZRangeByScore(ctx, r.roomKey(document), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Peer{}, nil
	}

	values, err := r.rdb.HMGet(ctx, r.peersKey(document), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	peers := make([]Peer, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			peers = append(peers, Peer{SessionID: ids[i]})
			continue
		}
		var p Peer
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode peer %s: %w", ids[i], err)
		}
		peers = append(peers, p)
	}
	sortPeers(peers)
	return peers, nil
}

// Close releases the client
func (r *RedisTracker) Close() error {
	return r.rdb.Close()
}
