package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:             "test-secret",
		JWTExpiry:             time.Hour,
		CatalogCacheTTL:       time.Minute,
		DefaultViolationLimit: 10,
	}
}

// ─── Auth ───────────────────────────────────────────────────────────

func TestAuthService_StudentTokenLifecycle(t *testing.T) {
	svc := NewAuthService(testConfig(), newRedis(t))
	ctx := context.Background()

	token, err := svc.GenerateStudentToken(ctx, 42)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeStudent, claims.TokenType)
	assert.Equal(t, 42, claims.UserID)
	require.NoError(t, svc.ValidateStudentSession(ctx, 42, claims.ID))

	// A newer token supersedes the old device.
	newer, err := svc.GenerateStudentToken(ctx, 42)
	require.NoError(t, err)
	newClaims, err := svc.ValidateToken(newer)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.ValidateStudentSession(ctx, 42, claims.ID), ErrSessionInvalidated)
	require.NoError(t, svc.ValidateStudentSession(ctx, 42, newClaims.ID))

	require.NoError(t, svc.ResetStudentSession(ctx, 42))
	assert.ErrorIs(t, svc.ValidateStudentSession(ctx, 42, newClaims.ID), ErrNoActiveSession)
}

func TestAuthService_RejectsForeignSignature(t *testing.T) {
	svc := NewAuthService(testConfig(), newRedis(t))
	other := testConfig()
	other.JWTSecret = "another-secret"
	forged, err := NewAuthService(other, nil).GenerateAdminToken(1)
	require.NoError(t, err)

	_, err = svc.ValidateToken(forged)
	assert.Error(t, err)

	admin, err := svc.GenerateAdminToken(1)
	require.NoError(t, err)
	claims, err := svc.ValidateToken(admin)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeAdmin, claims.TokenType)
}

// ─── Catalog ────────────────────────────────────────────────────────

type fakeCatalog struct {
	quiz      *model.QuizDescriptor
	questions []model.Question
	quizCalls int
}

func (f *fakeCatalog) GetByID(_ context.Context, id uuid.UUID) (*model.QuizDescriptor, error) {
	f.quizCalls++
	if f.quiz == nil || f.quiz.ID != id {
		return nil, pgx.ErrNoRows
	}
	cp := *f.quiz
	return &cp, nil
}

func (f *fakeCatalog) ListByQuiz(_ context.Context, _ uuid.UUID) ([]model.Question, error) {
	return append([]model.Question{}, f.questions...), nil
}

func questionSet(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{ID: uuid.New(), Text: "q", Type: model.QuestionTypeTrueFalse, CorrectOption: "a"}
	}
	return qs
}

func TestCatalogService_CachesPayload(t *testing.T) {
	quiz := &model.QuizDescriptor{ID: uuid.New(), Title: "Quiz", DurationMinutes: 5}
	fake := &fakeCatalog{quiz: quiz, questions: questionSet(3)}
	rdb := newRedis(t)
	svc := NewCatalogService(fake, fake, rdb, testConfig(), zerolog.Nop())
	ctx := context.Background()

	first, err := svc.GetPayload(ctx, quiz.ID, 1)
	require.NoError(t, err)
	second, err := svc.GetPayload(ctx, quiz.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.quizCalls, "second read is served from Redis")
	assert.Equal(t, first.Questions, second.Questions)
	assert.Equal(t, 10, first.Quiz.ViolationLimit)

	ttl := rdb.TTL(ctx, config.CacheKey.QuizPayloadKey(quiz.ID.String())).Val()
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, svc.Invalidate(ctx, quiz.ID))
	_, err = svc.GetPayload(ctx, quiz.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.quizCalls)
}

func TestCatalogService_Errors(t *testing.T) {
	quiz := &model.QuizDescriptor{ID: uuid.New(), DurationMinutes: 5}
	fake := &fakeCatalog{quiz: quiz}
	svc := NewCatalogService(fake, fake, newRedis(t), testConfig(), zerolog.Nop())

	_, err := svc.GetPayload(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, ErrQuizNotFound)

	_, err = svc.GetPayload(context.Background(), quiz.ID, 1)
	assert.ErrorIs(t, err, ErrNoQuestions)
}

func TestCatalogService_ShuffleIsStablePerStudent(t *testing.T) {
	quiz := &model.QuizDescriptor{ID: uuid.New(), DurationMinutes: 5, Flags: model.QuizFlags{ShuffleQuestions: true}}
	fake := &fakeCatalog{quiz: quiz, questions: questionSet(12)}
	svc := NewCatalogService(fake, fake, newRedis(t), testConfig(), zerolog.Nop())
	ctx := context.Background()

	a1, err := svc.GetPayload(ctx, quiz.ID, 1)
	require.NoError(t, err)
	a2, err := svc.GetPayload(ctx, quiz.ID, 1)
	require.NoError(t, err)
	b, err := svc.GetPayload(ctx, quiz.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, a1.Questions, a2.Questions)
	assert.ElementsMatch(t, fake.questions, b.Questions)
	assert.NotEqual(t, a1.Questions, b.Questions)
}
