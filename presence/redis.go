package presence

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	connKeyPrefix     = "presence:conn:"
	lastSeenKeyPrefix = "presence:lastseen:"
	onlineIndexKey    = "presence:online"

	// lastSeenRetention bounds how long last-seen answers survive after
	// the user goes quiet. Much longer than the online TTL, but not
	// forever; redis is not the system of record for user history.
	lastSeenRetention = 30 * 24 * time.Hour
)

// RedisStore keeps presence in redis so every gateway instance sees the
// same view. Per-user connection sets expire after the TTL; the online
// index is a sorted set scored by mark expiry so stale members are
// filtered on read.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) MarkOnline(ctx context.Context, userID, connectionID string) error {
	now := time.Now()
	expiry := now.Add(s.ttl)

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, connKeyPrefix+userID, connectionID)
	pipe.Expire(ctx, connKeyPrefix+userID, s.ttl)
	pipe.ZAdd(ctx, onlineIndexKey, redis.Z{Score: float64(expiry.Unix()), Member: userID})
	pipe.Set(ctx, lastSeenKeyPrefix+userID, strconv.FormatInt(now.Unix(), 10), lastSeenRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("presence.mark_online.degraded", "user_id", userID, "error", err)
		return nil
	}
	return nil
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID, connectionID string) error {
	now := time.Now()

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, connKeyPrefix+userID, connectionID)
	remaining := pipe.SCard(ctx, connKeyPrefix+userID)
	pipe.Set(ctx, lastSeenKeyPrefix+userID, strconv.FormatInt(now.Unix(), 10), lastSeenRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("presence.mark_offline.degraded", "user_id", userID, "error", err)
		return nil
	}

	if remaining.Val() == 0 {
		if err := s.client.ZRem(ctx, onlineIndexKey, userID).Err(); err != nil {
			slog.Warn("presence.online_index.degraded", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	count, err := s.client.SCard(ctx, connKeyPrefix+userID).Result()
	if err != nil {
		slog.Warn("presence.is_online.degraded", "user_id", userID, "error", err)
		return false, nil
	}
	return count > 0, nil
}

func (s *RedisStore) GetLastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, lastSeenKeyPrefix+userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		slog.Warn("presence.last_seen.degraded", "user_id", userID, "error", err)
		return time.Time{}, false, nil
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(ts, 0), true, nil
}

func (s *RedisStore) GetOnlineUsers(ctx context.Context) ([]string, error) {
	now := time.Now().Unix()

	// Drop expired marks opportunistically, then read the live range.
	if err := s.client.ZRemRangeByScore(ctx, onlineIndexKey, "-inf", strconv.FormatInt(now, 10)).Err(); err != nil {
		slog.Warn("presence.online_index.cleanup.degraded", "error", err)
	}
	users, err := s.client.ZRangeByScore(ctx, onlineIndexKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		slog.Warn("presence.online_users.degraded", "error", err)
		return []string{}, nil
	}
	return users, nil
}

func (s *RedisStore) GetConnectionCount(ctx context.Context, userID string) (int, error) {
	count, err := s.client.SCard(ctx, connKeyPrefix+userID).Result()
	if err != nil {
		slog.Warn("presence.connection_count.degraded", "user_id", userID, "error", err)
		return 0, nil
	}
	return int(count), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
