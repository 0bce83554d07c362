package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// RedisStore persists session state under student:<id>:quiz:<id>:progress.
type RedisStore struct {
	rdb       *redis.Client
	studentID int
	ttl       time.Duration
	log       zerolog.Logger
}

// NewRedisStore creates a store scoped to one student. A zero ttl keeps keys forever.
func NewRedisStore(rdb *redis.Client, studentID int, ttl time.Duration, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		studentID: studentID,
		ttl:       ttl,
		log:       log.With().Str("component", "redis_store").Int("student_id", studentID).Logger(),
	}
}

func (s *RedisStore) key(quizID uuid.UUID) string {
	return config.CacheKey.StudentQuizProgressKey(quizID.String(), s.studentID)
}

// Save overwrites the persisted mirror.
func (s *RedisStore) Save(ctx context.Context, quizID uuid.UUID, state model.SessionState) error {
	raw, err := encode(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(quizID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Load returns the persisted state. Corrupt payloads are deleted and reported as absent.
func (s *RedisStore) Load(ctx context.Context, quizID uuid.UUID) (model.SessionState, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(quizID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.SessionState{}, false, nil
	}
	if err != nil {
		return model.SessionState{}, false, fmt.Errorf("load state: %w", err)
	}

	state, ok := decode(raw)
	if !ok {
		s.log.Warn().Str("quiz_id", quizID.String()).Msg("Discarding corrupt session state")
		_ = s.rdb.Del(ctx, s.key(quizID)).Err()
		return model.SessionState{}, false, nil
	}
	return state, true, nil
}

// Clear removes the persisted state.
func (s *RedisStore) Clear(ctx context.Context, quizID uuid.UUID) error {
	if err := s.rdb.Del(ctx, s.key(quizID)).Err(); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	return nil
}
