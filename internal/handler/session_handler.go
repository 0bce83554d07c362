package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/submission"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// maxMessageSize caps one client message; frames carry a small JPEG thumbnail.
const maxMessageSize = 512 * 1024

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// PayloadProvider resolves the quiz a student is about to take.
type PayloadProvider interface {
	GetPayload(ctx context.Context, quizID uuid.UUID, studentID int) (*model.QuizPayload, error)
}

// GatewayFactory builds the submission gateway for one connection. token is
// the student's bearer token, forwarded to HTTP result backends.
type GatewayFactory func(token string) submission.Gateway

// SessionHandler streams one proctored attempt over a WebSocket.
type SessionHandler struct {
	catalog  PayloadProvider
	rdb      *redis.Client
	gateways GatewayFactory
	cfg      *config.Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
	// tickInterval is overridden in tests.
	tickInterval time.Duration
	active       atomic.Int64
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(catalog PayloadProvider, rdb *redis.Client, gateways GatewayFactory, cfg *config.Config, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		catalog:      catalog,
		rdb:          rdb,
		gateways:     gateways,
		cfg:          cfg,
		log:          log.With().Str("component", "session_handler").Logger(),
		upgrader:     buildUpgrader(cfg.AllowedOrigins),
		tickInterval: session.TickInterval,
	}
}

// Active returns the number of open attempt sockets on this replica.
func (h *SessionHandler) Active() int64 {
	return h.active.Load()
}

// Stream godoc
// WS /ws/v1/student/quizzes/:quiz_id/session
// Upgrades to WebSocket and runs the attempt until it is submitted or the
// socket closes. A closed socket keeps the saved progress for the next connect.
func (h *SessionHandler) Stream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

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

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	h.active.Add(1)
	defer h.active.Add(-1)

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("quiz_id", quizID.String()).
		Logger()

	w := ws.NewWriter(conn)
	camera := NewRemoteCamera(h.cfg.CameraTimeout)
	quiz := &payload.Quiz
	events := newEventPump(w, quiz.EffectiveViolationLimit(), wsLog)
	defer events.Close()

	sess := session.New(session.Config{
		Quiz:      quiz,
		Questions: payload.Questions,
		StudentID: studentID,
		Store:     store.NewRedisStore(h.rdb, studentID, h.cfg.ProgressTTL, wsLog),
		Gateway:   h.gateways(middleware.GetToken(c)),
		Monitor:   proctor.NewMonitor(camera, proctor.EmbeddedDetector{}, proctor.NewGeometryClassifier(), quiz.Flags.EyeTrackingEnabled, wsLog),
		NewGuard: func(onLock func()) *guard.Guard {
			channel := guard.NewRedisChannel(h.rdb, config.CacheKey.StudentQuizLockChannel(quizID.String(), studentID), wsLog)
			return guard.New(channel, onLock, wsLog)
		},
		Display:    NewRemoteDisplay(w),
		Listener:   events.Push,
		GraceTicks: h.cfg.GraceSeconds,
		Log:        wsLog,
	})

	questions := make([]model.QuestionForStudent, len(payload.Questions))
	for i := range payload.Questions {
		questions[i] = payload.Questions[i].ForStudent()
	}
	if err := w.WriteTyped(ws.StateResponse{
		Event:     ws.EventState,
		Quiz:      quizInfo(quiz),
		Questions: questions,
		Session:   sess.Snapshot(),
	}); err != nil {
		wsLog.Debug().Err(err).Msg("Client went away before start")
		return
	}

	wsLog.Info().Msg("Student connected")

	// The socket outlives the HTTP request context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.readLoop(ctx, conn, w, sess, camera, wsLog)
		// A pending camera prompt must not outlive the socket.
		cancel()
	}()
	// The countdown runs from the moment Start enters RUNNING, while the
	// camera prompt may still be open.
	go session.Run(ctx, sess, h.tickInterval)

	if err := sess.Start(ctx); err != nil {
		wsLog.Error().Err(err).Msg("Session start failed")
		_ = w.WriteError(string(response.ErrInternal), response.GetMessage(response.ErrInternal))
		sess.Close(ctx)
		return
	}

	select {
	case <-readDone:
		sess.Close(ctx)
		wsLog.Info().Msg("Student disconnected, progress kept")
	case <-sess.Done():
		// The result event goes out before the close frame.
		events.Close()
		_ = w.Close("attempt finished")
		wsLog.Info().Msg("Attempt finished")
	}
	cancel()
	conn.Close()
	<-readDone
}

func (h *SessionHandler) readLoop(ctx context.Context, conn *websocket.Conn, w *ws.Writer, sess *session.Session, camera *RemoteCamera, log zerolog.Logger) {
	perSecond := h.cfg.FrameRateLimit
	if perSecond <= 0 {
		perSecond = 4
	}
	frames := rate.NewLimiter(rate.Limit(perSecond), int(math.Ceil(perSecond)))

	for {
		var raw json.RawMessage
		if err := ws.ReadJSON(conn, &raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			} else {
				log.Debug().Err(err).Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			writeCode(w, response.ErrInvalidPayload)
			continue
		}

		switch env.Action {
		case ws.ActionAnswer:
			var req ws.AnswerRequest
			if decodeMessage(w, raw, &req) {
				reply(w, sess.RecordAnswer(ctx, req.QID, req.Answer))
			}

		case ws.ActionNavigate:
			var req ws.NavigateRequest
			if decodeMessage(w, raw, &req) {
				reply(w, sess.Advance(ctx, req.Index))
			}

		case ws.ActionSubmit:
			reply(w, sess.RequestEarlySubmit(ctx))

		case ws.ActionFrame:
			if !frames.Allow() {
				continue
			}
			var req ws.FrameRequest
			if decodeMessage(w, raw, &req) {
				camera.Push(frameFrom(&req, log))
			}

		case ws.ActionCamera:
			var req ws.CameraRequest
			if decodeMessage(w, raw, &req) {
				camera.SetGranted(req.Granted)
				if !req.Granted {
					writeCode(w, response.ErrCameraDenied)
				}
			}

		case ws.ActionEnv:
			var req ws.EnvRequest
			if decodeMessage(w, raw, &req) {
				reply(w, sess.ObserveEnvironment(ctx, req.SessionEvent()))
			}

		case ws.ActionFullscreen:
			var req ws.FullscreenRequest
			if !decodeMessage(w, raw, &req) {
				continue
			}
			if req.OK {
				reply(w, sess.ObserveEnvironment(ctx, session.EnvFullscreenEntered))
			} else {
				log.Info().Msg("Student declined fullscreen")
			}

		case ws.ActionPing:
			_ = w.WriteTyped(ws.PongResponse{Event: ws.EventPong})

		default:
			log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			writeCode(w, response.ErrUnknownAction)
		}
	}
}

// frameFrom converts a wire frame. An undecodable thumbnail only skips the
// brightness check; the landmarks are still classified.
func frameFrom(req *ws.FrameRequest, log zerolog.Logger) *proctor.Frame {
	f := &proctor.Frame{
		Face:        proctor.Landmarks(req.Landmarks),
		DetectorErr: req.DetectorError,
	}
	if req.Image == "" {
		return f
	}
	raw, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		log.Debug().Err(err).Msg("Frame image is not base64")
		return f
	}
	img, err := proctor.DecodeImage(raw)
	if err != nil {
		log.Debug().Err(err).Msg("Frame image undecodable")
		return f
	}
	f.Image = img
	return f
}

func quizInfo(q *model.QuizDescriptor) *ws.QuizInfo {
	return &ws.QuizInfo{
		ID:              q.ID,
		Title:           q.Title,
		DurationMinutes: q.DurationMinutes,
		Flags:           q.Flags,
		ViolationLimit:  q.EffectiveViolationLimit(),
	}
}

// ─── Message helpers ────────────────────────────────────────────────

func decodeMessage(w *ws.Writer, raw json.RawMessage, dst interface{}) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		writeCode(w, response.ErrInvalidPayload)
		return false
	}
	if fields := validator.ValidateStruct(dst); fields != nil {
		_ = w.WriteError(string(response.ErrValidation), validator.FirstError(fields))
		return false
	}
	return true
}

func reply(w *ws.Writer, err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrLocked):
		writeCode(w, response.ErrAttemptLocked)
	case errors.Is(err, session.ErrNotRunning):
		writeCode(w, response.ErrAttemptNotRunning)
	case errors.Is(err, session.ErrInvalidIndex):
		writeCode(w, response.ErrInvalidIndex)
	default:
		writeCode(w, response.ErrInternal)
	}
}

func writeCode(w *ws.Writer, code response.ErrCode) {
	_ = w.WriteError(string(code), response.GetMessage(code))
}

// failCatalog maps catalog lookups onto HTTP errors.
func failCatalog(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrQuizNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrQuizNotFound)
	case errors.Is(err, service.ErrNoQuestions):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrNoQuestions)
	default:
		log.Error().Err(err).Msg("Quiz lookup failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
