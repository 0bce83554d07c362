package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Catalog errors.
var (
	ErrQuizNotFound = errors.New("quiz not found")
	ErrNoQuestions  = errors.New("quiz has no questions")
)

// QuizReader loads quiz descriptors.
type QuizReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.QuizDescriptor, error)
}

// QuestionReader loads a quiz's questions.
type QuestionReader interface {
	ListByQuiz(ctx context.Context, quizID uuid.UUID) ([]model.Question, error)
}

// CatalogService serves quiz descriptors and question sets, cached in Redis.
type CatalogService struct {
	quizzes      QuizReader
	questions    QuestionReader
	rdb          *redis.Client
	ttl          time.Duration
	defaultLimit int
	log          zerolog.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(quizzes QuizReader, questions QuestionReader, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *CatalogService {
	return &CatalogService{
		quizzes:      quizzes,
		questions:    questions,
		rdb:          rdb,
		ttl:          cfg.CatalogCacheTTL,
		defaultLimit: cfg.DefaultViolationLimit,
		log:          log.With().Str("component", "catalog_service").Logger(),
	}
}

// GetPayload returns the quiz and its questions in the order a given
// student sees them. The order is stable per student so a resumed attempt
// keeps its navigation position.
func (s *CatalogService) GetPayload(ctx context.Context, quizID uuid.UUID, studentID int) (*model.QuizPayload, error) {
	payload, err := s.cached(ctx, quizID)
	if err != nil {
		return nil, err
	}

	if payload.Quiz.ViolationLimit <= 0 && s.defaultLimit > 0 {
		payload.Quiz.ViolationLimit = s.defaultLimit
	}
	if payload.Quiz.Flags.ShuffleQuestions {
		ShuffleFor(payload.Questions, quizID, studentID)
	}
	return payload, nil
}

func (s *CatalogService) cached(ctx context.Context, quizID uuid.UUID) (*model.QuizPayload, error) {
	key := config.CacheKey.QuizPayloadKey(quizID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var payload model.QuizPayload
		if err := json.Unmarshal(data, &payload); err == nil {
			return &payload, nil
		}
		s.log.Warn().Str("quiz_id", quizID.String()).Msg("Discarding unreadable catalog cache entry")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Msg("Catalog cache read failed, falling back to database")
	}

	payload, err := s.load(ctx, quizID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Catalog cache write failed")
	}
	return payload, nil
}

func (s *CatalogService) load(ctx context.Context, quizID uuid.UUID) (*model.QuizPayload, error) {
	quiz, err := s.quizzes.GetByID(ctx, quizID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuizNotFound
		}
		return nil, fmt.Errorf("get quiz: %w", err)
	}

	questions, err := s.questions.ListByQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	s.log.Debug().
		Str("quiz_id", quizID.String()).
		Int("questions", len(questions)).
		Msg("Catalog entry loaded")
	return &model.QuizPayload{Quiz: *quiz, Questions: questions}, nil
}

// Invalidate drops the cached payload of a quiz.
func (s *CatalogService) Invalidate(ctx context.Context, quizID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.QuizPayloadKey(quizID.String())).Err()
}

// ShuffleFor permutes questions deterministically for one student and quiz.
func ShuffleFor(questions []model.Question, quizID uuid.UUID, studentID int) {
	h := fnv.New64a()
	_, _ = h.Write(quizID[:])
	_, _ = fmt.Fprintf(h, ":%d", studentID)
	seed := h.Sum64()

	r := rand.New(rand.NewPCG(seed, seed>>1|1))
	r.Shuffle(len(questions), func(i, j int) {
		questions[i], questions[j] = questions[j], questions[i]
	})
}
