package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"opengrid.ai/internal/config"
)

var ErrUnknownSession = errors.New("presence: unknown session")

const (
	keyPrefix  = "presence:session:"
	sessionTTL = 24 * time.Hour
)

// RedisStore keeps presence in Redis so every simulator on the grid sees the same view.
type RedisStore struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewRedisStore(cfg config.RedisSpec, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("presence store initialized", zap.String("addr", cfg.Addr))
	return &RedisStore{redis: client, logger: logger.With(zap.String("component", "presence"))}, nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}

func sessionKey(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (s *RedisStore) LoggedIn(ctx context.Context, userID, sessionID uuid.UUID) error {
	key := sessionKey(sessionID)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"user":   userID.String(),
		"region": uuid.Nil.String(),
		"seen":   time.Now().Unix(),
	})
	pipe.Expire(ctx, key, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ReportAgent(ctx context.Context, sessionID, regionID uuid.UUID) error {
	key := sessionKey(sessionID)
	n, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownSession
	}
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, "region", regionID.String(), "seen", time.Now().Unix())
	pipe.Expire(ctx, key, sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LoggedOut(ctx context.Context, sessionID uuid.UUID) error {
	return s.redis.Del(ctx, sessionKey(sessionID)).Err()
}

func (s *RedisStore) Session(ctx context.Context, sessionID uuid.UUID) (Info, bool, error) {
	vals, err := s.redis.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return Info{}, false, err
	}
	if len(vals) == 0 {
		return Info{}, false, nil
	}
	info := Info{SessionID: sessionID}
	if info.UserID, err = uuid.Parse(vals["user"]); err != nil {
		return Info{}, false, fmt.Errorf("presence %s: user: %w", sessionID, err)
	}
	info.RegionID, _ = uuid.Parse(vals["region"])
	if seen, err := strconv.ParseInt(vals["seen"], 10, 64); err == nil {
		info.LastSeen = time.Unix(seen, 0)
	}
	return info, true, nil
}
