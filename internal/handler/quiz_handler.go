package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/store"
)

// ResultLister reads finished attempts.
type ResultLister interface {
	ListByStudent(ctx context.Context, quizID uuid.UUID, studentID int) ([]model.AttemptResult, error)
}

// QuizHandler serves the student-facing REST side of an attempt.
type QuizHandler struct {
	catalog     PayloadProvider
	results     ResultLister
	rdb         *redis.Client
	progressTTL time.Duration
	log         zerolog.Logger
}

// NewQuizHandler creates a new QuizHandler.
func NewQuizHandler(catalog PayloadProvider, results ResultLister, rdb *redis.Client, progressTTL time.Duration, log zerolog.Logger) *QuizHandler {
	return &QuizHandler{
		catalog:     catalog,
		results:     results,
		rdb:         rdb,
		progressTTL: progressTTL,
		log:         log.With().Str("component", "quiz_handler").Logger(),
	}
}

// GetQuiz godoc
// GET /api/v1/student/quizzes/:quiz_id
// Returns the quiz header and its questions in the student's order, without answers.
func (h *QuizHandler) GetQuiz(c *gin.Context) {
	claims := middleware.GetClaims(c)
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	payload, err := h.catalog.GetPayload(c.Request.Context(), quizID, claims.UserID)
	if err != nil {
		failCatalog(c, h.log, err)
		return
	}

	questions := make([]model.QuestionForStudent, len(payload.Questions))
	for i := range payload.Questions {
		questions[i] = payload.Questions[i].ForStudent()
	}
	response.Success(c, http.StatusOK, gin.H{
		"quiz":      quizInfo(&payload.Quiz),
		"questions": questions,
	})
}

// GetProgress godoc
// GET /api/v1/student/quizzes/:quiz_id/progress
// Returns the saved in-progress state so the client can show "resume" before connecting.
func (h *QuizHandler) GetProgress(c *gin.Context) {
	claims := middleware.GetClaims(c)
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	st := store.NewRedisStore(h.rdb, claims.UserID, h.progressTTL, h.log)
	state, ok, err := st.Load(c.Request.Context(), quizID)
	if err != nil {
		h.log.Error().Err(err).Int("student_id", claims.UserID).Msg("Load progress failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if !ok {
		response.Fail(c, http.StatusNotFound, response.ErrNoProgress)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"progress": state})
}

// ListResults godoc
// GET /api/v1/student/quizzes/:quiz_id/results
// Lists the student's persisted results for a quiz, newest first.
func (h *QuizHandler) ListResults(c *gin.Context) {
	claims := middleware.GetClaims(c)
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	results, err := h.results.ListByStudent(c.Request.Context(), quizID, claims.UserID)
	if err != nil {
		h.log.Error().Err(err).Int("student_id", claims.UserID).Msg("List results failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if results == nil {
		results = []model.AttemptResult{}
	}

	response.Success(c, http.StatusOK, gin.H{"results": results})
}
