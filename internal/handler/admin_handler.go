package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// CatalogInvalidator drops a cached quiz payload.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context, quizID uuid.UUID) error
}

// AdminHandler handles proctor endpoints: token hand-off, session resets and
// clearing stuck progress.
type AdminHandler struct {
	authService *service.AuthService
	catalog     CatalogInvalidator
	rdb         *redis.Client
	progressTTL time.Duration
	log         zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(authService *service.AuthService, catalog CatalogInvalidator, rdb *redis.Client, progressTTL time.Duration, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		authService: authService,
		catalog:     catalog,
		rdb:         rdb,
		progressTTL: progressTTL,
		log:         log.With().Str("component", "admin_handler").Logger(),
	}
}

type issueTokenRequest struct {
	StudentID int `json:"student_id" binding:"required,gt=0"`
}

// IssueStudentToken godoc
// POST /api/v1/admin/students/token
// Issues a student token, making it the student's only valid session.
func (h *AdminHandler) IssueStudentToken(c *gin.Context) {
	var req issueTokenRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	token, err := h.authService.GenerateStudentToken(c.Request.Context(), req.StudentID)
	if err != nil {
		h.log.Error().Err(err).Int("student_id", req.StudentID).Msg("Issue token failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	h.log.Info().
		Int("student_id", req.StudentID).
		Int("issued_by", middleware.GetClaims(c).UserID).
		Msg("Student token issued")
	response.Success(c, http.StatusCreated, gin.H{"token": token})
}

// ResetStudentSession godoc
// POST /api/v1/admin/students/:student_id/reset-session
// Clears a student's active token, allowing them to sign in on a new device.
func (h *AdminHandler) ResetStudentSession(c *gin.Context) {
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.authService.ResetStudentSession(c.Request.Context(), studentID); err != nil {
		h.log.Error().Err(err).Int("student_id", studentID).Msg("Reset session failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "student session reset successfully"})
}

// ClearProgress godoc
// DELETE /api/v1/admin/students/:student_id/quizzes/:quiz_id/progress
// Discards a student's saved attempt so the next connect starts fresh.
func (h *AdminHandler) ClearProgress(c *gin.Context) {
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	st := store.NewRedisStore(h.rdb, studentID, h.progressTTL, h.log)
	if err := st.Clear(c.Request.Context(), quizID); err != nil {
		h.log.Error().Err(err).Int("student_id", studentID).Msg("Clear progress failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	h.log.Info().
		Int("student_id", studentID).
		Str("quiz_id", quizID.String()).
		Msg("Progress cleared by proctor")
	c.Status(http.StatusNoContent)
}

// InvalidateQuiz godoc
// POST /api/v1/admin/quizzes/:quiz_id/invalidate
// Drops the cached payload after the quiz was edited.
func (h *AdminHandler) InvalidateQuiz(c *gin.Context) {
	quizID, err := uuid.Parse(c.Param("quiz_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.catalog.Invalidate(c.Request.Context(), quizID); err != nil {
		h.log.Error().Err(err).Str("quiz_id", quizID.String()).Msg("Invalidate quiz cache failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "quiz cache invalidated"})
}
