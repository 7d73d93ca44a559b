package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"certmint/internal/issuance/models"
	id "certmint/pkg/domain"
	"certmint/pkg/platform/sentinel"
)

const (
	attemptKeyPrefix = "certmint:attempt:"
	holderKeyPrefix  = "certmint:course:holder:"
	courseKeyPrefix  = "certmint:course:attempts:"
)

// reserveScript claims the holder key when it is free and returns whoever
// holds it afterwards.
var reserveScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if not holder then
	redis.call("SET", KEYS[1], ARGV[1])
	return ARGV[1]
end
return holder
`)

// releaseScript deletes the holder key only if it still names the attempt.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares attempts and reservations across instances.
// Reservations have no TTL: a held course is released explicitly or by
// operator reconciliation.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Reserve(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) error {
	key := holderKeyPrefix + courseID.String()
	holder, err := reserveScript.Run(ctx, s.client, []string{key}, attemptID.String()).Text()
	if err != nil {
		return fmt.Errorf("reserve course: %w", err)
	}
	if holder == attemptID.String() {
		return nil
	}
	return fmt.Errorf("course %s held by attempt %s: %w", courseID, holder, sentinel.ErrConflict)
}

func (s *RedisStore) Release(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) error {
	key := holderKeyPrefix + courseID.String()
	if err := releaseScript.Run(ctx, s.client, []string{key}, attemptID.String()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release course: %w", err)
	}
	return nil
}

func (s *RedisStore) Holder(ctx context.Context, courseID id.CourseID) (id.AttemptID, error) {
	raw, err := s.client.Get(ctx, holderKeyPrefix+courseID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return id.AttemptID{}, sentinel.ErrNotFound
	}
	if err != nil {
		return id.AttemptID{}, fmt.Errorf("read course holder: %w", err)
	}
	return id.ParseAttemptID(raw)
}

func (s *RedisStore) Save(ctx context.Context, record *models.AttemptRecord) error {
	if record == nil {
		return fmt.Errorf("attempt record is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, attemptKeyPrefix+record.ID.String(), data, 0)
	pipe.ZAddNX(ctx, courseKeyPrefix+record.CourseID.String(), redis.Z{
		Score:  float64(record.CreatedAt.UnixNano()),
		Member: record.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error) {
	data, err := s.client.Get(ctx, attemptKeyPrefix+attemptID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return decodeRecord(data)
}

// ListByCourse returns the course's attempts, oldest first.
func (s *RedisStore) ListByCourse(ctx context.Context, courseID id.CourseID) ([]*models.AttemptRecord, error) {
	members, err := s.client.ZRange(ctx, courseKeyPrefix+courseID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list course attempts: %w", err)
	}
	if len(members) == 0 {
		return []*models.AttemptRecord{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = attemptKeyPrefix + m
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load course attempts: %w", err)
	}

	out := make([]*models.AttemptRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		record, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func decodeRecord(data []byte) (*models.AttemptRecord, error) {
	var record models.AttemptRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &record, nil
}
