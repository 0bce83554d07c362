package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationReason enumerates why a proctoring alert was raised.
type ViolationReason string

const (
	ReasonFaceNotDetected  ViolationReason = "FACE_NOT_DETECTED"
	ReasonGazeLateral      ViolationReason = "GAZE_LATERAL"
	ReasonGazeVertical     ViolationReason = "GAZE_VERTICAL"
	ReasonFocusLost        ViolationReason = "FOCUS_LOST"
	ReasonFullscreenExited ViolationReason = "FULLSCREEN_EXITED"
)

// Valid reports whether r is a known reason.
func (r ViolationReason) Valid() bool {
	switch r {
	case ReasonFaceNotDetected, ReasonGazeLateral, ReasonGazeVertical, ReasonFocusLost, ReasonFullscreenExited:
		return true
	}
	return false
}

// ViolationEvent is one timeline entry. AutoSubmit marks the synthetic entry
// appended when the violation limit forces a submission.
type ViolationEvent struct {
	Reason     ViolationReason `json:"reason"`
	Timestamp  time.Time       `json:"timestamp"`
	AutoSubmit bool            `json:"auto_submit,omitempty"`
}

// SessionState is the unit of persistence and recovery of an attempt.
type SessionState struct {
	CurrentIndex      int               `json:"current_index"`
	Answers           map[string]string `json:"answers"`
	ViolationCount    int               `json:"violation_count"`
	TimeLeftSeconds   int               `json:"time_left_seconds"`
	ViolationTimeline []ViolationEvent  `json:"violation_timeline"`
}

// NewSessionState returns a fresh state with the full countdown.
func NewSessionState(quiz *QuizDescriptor) SessionState {
	return SessionState{
		Answers:           make(map[string]string),
		TimeLeftSeconds:   quiz.DurationSeconds(),
		ViolationTimeline: []ViolationEvent{},
	}
}

// Clone deep-copies the state so snapshots never alias the owner's maps.
func (s SessionState) Clone() SessionState {
	out := s
	out.Answers = make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		out.Answers[k] = v
	}
	out.ViolationTimeline = append([]ViolationEvent{}, s.ViolationTimeline...)
	return out
}

// Validate checks a hydrated state against the quiz it claims to belong to
// and the number of questions it is served with. Anything outside the
// invariants is treated as corrupt.
func (s *SessionState) Validate(quiz *QuizDescriptor, questionCount int) bool {
	if s.CurrentIndex < 0 || s.CurrentIndex >= questionCount || s.ViolationCount < 0 {
		return false
	}
	if s.TimeLeftSeconds < 0 || s.TimeLeftSeconds > quiz.DurationSeconds() {
		return false
	}
	escalations := 0
	for _, ev := range s.ViolationTimeline {
		if !ev.AutoSubmit {
			escalations++
		}
	}
	return escalations == s.ViolationCount
}

// SessionPhase is the lifecycle position of the state machine.
type SessionPhase string

const (
	PhaseInitializing SessionPhase = "INITIALIZING"
	PhaseRunning      SessionPhase = "RUNNING"
	PhaseFinishing    SessionPhase = "FINISHING"
	PhaseTerminated   SessionPhase = "TERMINATED"
	PhaseClosed       SessionPhase = "CLOSED"
)

// FinishCause records why an attempt ended.
type FinishCause string

const (
	CauseManual         FinishCause = "MANUAL"
	CauseTimeExpired    FinishCause = "TIME_EXPIRED"
	CauseViolationLimit FinishCause = "VIOLATION_LIMIT"
)

// AttemptResult is the record handed to the submission gateway.
type AttemptResult struct {
	QuizID         uuid.UUID         `json:"quiz_id"`
	StudentID      int               `json:"student_id"`
	Score          int               `json:"score"`
	TotalMarks     int               `json:"total_marks"`
	ViolationCount int               `json:"violation_count"`
	Timeline       []ViolationEvent  `json:"timeline"`
	Answers        map[string]string `json:"answers"`
	Cause          FinishCause       `json:"cause"`
	CompletedAt    time.Time         `json:"completed_at"`
}
