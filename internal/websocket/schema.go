package websocket

import (
	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer     Action = "answer"
	ActionNavigate   Action = "navigate"
	ActionSubmit     Action = "submit"
	ActionFrame      Action = "frame"
	ActionCamera     Action = "camera"
	ActionEnv        Action = "env"
	ActionFullscreen Action = "fullscreen"
	ActionPing       Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest records one answer.
type AnswerRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id" validate:"required,max=64"`
	Answer string `json:"ans" validate:"max=4000"`
}

// NavigateRequest moves the question cursor.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index" validate:"gte=0"`
}

// FrameRequest carries one camera sample: a base64 JPEG/PNG thumbnail and the
// landmarks found by the in-browser detector. Null landmarks mean no face.
type FrameRequest struct {
	Action        Action          `json:"action"`
	Image         string          `json:"image" validate:"omitempty,base64,max=262144"`
	Landmarks     []proctor.Point `json:"landmarks" validate:"omitempty,len=68,dive"`
	DetectorError string          `json:"detector_error" validate:"max=256"`
}

// CameraRequest reports the outcome of the camera permission prompt.
type CameraRequest struct {
	Action  Action `json:"action"`
	Granted bool   `json:"granted"`
}

// Environment event names accepted from the client.
const (
	EnvBlur             = "blur"
	EnvFocus            = "focus"
	EnvVisibilityHidden = "visibility_hidden"
	EnvVisibilityShown  = "visibility_visible"
	EnvFullscreenExit   = "fullscreen_exit"
	EnvFullscreenEnter  = "fullscreen_enter"
)

// EnvRequest reports a focus, visibility or fullscreen change.
type EnvRequest struct {
	Action Action `json:"action"`
	Event  string `json:"event" validate:"required,oneof=blur focus visibility_hidden visibility_visible fullscreen_exit fullscreen_enter"`
}

// SessionEvent maps the wire name onto the session's environment event.
func (r *EnvRequest) SessionEvent() session.EnvEvent {
	switch r.Event {
	case EnvBlur, EnvVisibilityHidden:
		return session.EnvFocusLost
	case EnvFocus, EnvVisibilityShown:
		return session.EnvFocusGained
	case EnvFullscreenExit:
		return session.EnvFullscreenExited
	case EnvFullscreenEnter:
		return session.EnvFullscreenEntered
	}
	return ""
}

// FullscreenRequest reports whether a fullscreen_request was honoured.
type FullscreenRequest struct {
	Action Action `json:"action"`
	OK     bool   `json:"ok"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState             Event = "state"
	EventTick              Event = "tick"
	EventAlert             Event = "alert"
	EventStatus            Event = "status"
	EventLocked            Event = "locked"
	EventFullscreenRequest Event = "fullscreen_request"
	EventFullscreenExit    Event = "fullscreen_exit"
	EventResult            Event = "result"
	EventError             Event = "error"
	EventPong              Event = "pong"
)

// QuizInfo is the student-facing quiz header.
type QuizInfo struct {
	ID              uuid.UUID       `json:"id"`
	Title           string          `json:"title"`
	DurationMinutes int             `json:"duration_minutes"`
	Flags           model.QuizFlags `json:"flags"`
	ViolationLimit  int             `json:"violation_limit"`
}

type StateResponse struct {
	Event     Event                      `json:"event"`
	Quiz      *QuizInfo                  `json:"quiz,omitempty"`
	Questions []model.QuestionForStudent `json:"questions,omitempty"`
	Session   session.Snapshot           `json:"session"`
}

type TickResponse struct {
	Event    Event          `json:"event"`
	TimeLeft int            `json:"time_left"`
	Alert    *session.Alert `json:"alert,omitempty"`
}

type AlertResponse struct {
	Event          Event          `json:"event"`
	Alert          *session.Alert `json:"alert"`
	ViolationCount int            `json:"violation_count"`
	ViolationLimit int            `json:"violation_limit"`
}

type StatusResponse struct {
	Event      Event          `json:"event"`
	Status     proctor.Status `json:"status"`
	LowLight   bool           `json:"low_light"`
	Brightness float64        `json:"brightness"`
}

type LockedResponse struct {
	Event   Event  `json:"event"`
	Message string `json:"message"`
}

type FullscreenResponse struct {
	Event Event `json:"event"`
}

type ResultResponse struct {
	Event        Event               `json:"event"`
	Result       model.AttemptResult `json:"result"`
	Submitted    bool                `json:"submitted"`
	SubmissionID *uuid.UUID          `json:"submission_id,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
