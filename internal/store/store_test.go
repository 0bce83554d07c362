package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func sampleState() model.SessionState {
	return model.SessionState{
		CurrentIndex:    2,
		Answers:         map[string]string{"q1": "b", "q2": "free text answer"},
		ViolationCount:  1,
		TimeLeftSeconds: 120,
		ViolationTimeline: []model.ViolationEvent{
			{Reason: model.ReasonFocusLost, Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		},
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, 7, time.Hour, zerolog.Nop())
	ctx := context.Background()
	quizID := uuid.New()

	require.NoError(t, s.Save(ctx, quizID, sampleState()))

	got, ok, err := s.Load(ctx, quizID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleState(), got)
}

func TestRedisStore_KeyIsScopedPerStudentAndQuiz(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	quizA, quizB := uuid.New(), uuid.New()

	alice := NewRedisStore(rdb, 1, 0, zerolog.Nop())
	bob := NewRedisStore(rdb, 2, 0, zerolog.Nop())

	require.NoError(t, alice.Save(ctx, quizA, sampleState()))

	assert.True(t, mr.Exists(config.CacheKey.StudentQuizProgressKey(quizA.String(), 1)))

	_, ok, err := bob.Load(ctx, quizA)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = alice.Load(ctx, quizB)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_CorruptDataIsAbsent(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, 7, 0, zerolog.Nop())
	quizID := uuid.New()
	key := config.CacheKey.StudentQuizProgressKey(quizID.String(), 7)

	require.NoError(t, mr.Set(key, `{"current_index": 1, "answers": {"q1"`))

	_, ok, err := s.Load(context.Background(), quizID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(key), "corrupt payload should be discarded")
}

func TestRedisStore_ClearAndTTL(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, 7, time.Minute, zerolog.Nop())
	ctx := context.Background()
	quizID := uuid.New()
	key := config.CacheKey.StudentQuizProgressKey(quizID.String(), 7)

	require.NoError(t, s.Save(ctx, quizID, sampleState()))
	assert.Equal(t, time.Minute, mr.TTL(key))

	require.NoError(t, s.Clear(ctx, quizID))
	_, ok, err := s.Load(ctx, quizID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_CorruptAndMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	quizID := uuid.New()

	_, ok, err := s.Load(ctx, quizID)
	require.NoError(t, err)
	assert.False(t, ok)

	s.PutRaw(quizID, []byte("not json"))
	_, ok, err = s.Load(ctx, quizID)
	require.NoError(t, err)
	assert.False(t, ok)

	s.PutRaw(quizID, []byte(`{"current_index":0}`))
	got, ok, err := s.Load(ctx, quizID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, got.Answers)
	assert.NotNil(t, got.ViolationTimeline)
}

// Any sequence of answer writes survives a save/load cycle unchanged.
func TestMemoryStore_AnswersRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("answers survive reload", prop.ForAll(
		func(keys []string, values []string) bool {
			s := NewMemoryStore()
			ctx := context.Background()
			quizID := uuid.New()
			state := model.SessionState{Answers: map[string]string{}, TimeLeftSeconds: 60}
			if err := s.Save(ctx, quizID, state); err != nil {
				return false
			}

			for i := range keys {
				if i >= len(values) {
					break
				}
				state.Answers[keys[i]] = values[i]
				if err := s.Save(ctx, quizID, state); err != nil {
					return false
				}
			}

			got, ok, err := s.Load(ctx, quizID)
			if err != nil || !ok || len(got.Answers) != len(state.Answers) {
				return false
			}
			for k, v := range state.Answers {
				if got.Answers[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
