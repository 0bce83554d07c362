package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Quiz    *handler.QuizHandler
	Session *handler.SessionHandler
	Admin   *handler.AdminHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	limiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", handlers.System.Health)

	api := router.Group("/api/v1")
	api.Use(limiter.Middleware(), middleware.Brotli())

	// ─── 1. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := api.Group("/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.GET("/quizzes/:quiz_id", handlers.Quiz.GetQuiz)
		studentAPI.GET("/quizzes/:quiz_id/progress", handlers.Quiz.GetProgress)
		studentAPI.GET("/quizzes/:quiz_id/results", handlers.Quiz.ListResults)
	}

	// ─── 2. WebSocket Group (Student JWT via ?token=) ──────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentJWT(authService))
	{
		ws.GET("/student/quizzes/:quiz_id/session", handlers.Session.Stream)
	}

	// ─── 3. Admin Group (Proctor JWT) ──────────────────────────────────
	adminAPI := api.Group("/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		adminAPI.POST("/students/token", handlers.Admin.IssueStudentToken)
		adminAPI.POST("/students/:student_id/reset-session", handlers.Admin.ResetStudentSession)
		adminAPI.DELETE("/students/:student_id/quizzes/:quiz_id/progress", handlers.Admin.ClearProgress)
		adminAPI.POST("/quizzes/:quiz_id/invalidate", handlers.Admin.InvalidateQuiz)
		adminAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
