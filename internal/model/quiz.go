package model

import (
	"github.com/google/uuid"
)

// DefaultViolationLimit applies when a quiz does not configure its own limit.
const DefaultViolationLimit = 10

// QuizFlags are the security switches of a quiz.
type QuizFlags struct {
	FullscreenRequired bool `json:"fullscreen_required"`
	TabSwitchDetection bool `json:"tab_switch_detection"`
	EyeTrackingEnabled bool `json:"eye_tracking_enabled"`
	ShuffleQuestions   bool `json:"shuffle_questions"`
}

// QuizDescriptor is the immutable quiz metadata a session runs against.
type QuizDescriptor struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	DurationMinutes int       `json:"duration_minutes"`
	Flags           QuizFlags `json:"flags"`
	ViolationLimit  int       `json:"violation_limit"`
}

// DurationSeconds is the full countdown of an attempt.
func (q *QuizDescriptor) DurationSeconds() int {
	if q.DurationMinutes <= 0 {
		return 0
	}
	return q.DurationMinutes * 60
}

// EffectiveViolationLimit returns the configured limit or DefaultViolationLimit when unset.
func (q *QuizDescriptor) EffectiveViolationLimit() int {
	if q.ViolationLimit <= 0 {
		return DefaultViolationLimit
	}
	return q.ViolationLimit
}

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeTrueFalse      QuestionType = "TRUE_FALSE"
	QuestionTypeFreeText       QuestionType = "FREE_TEXT"
)

// MaxOptions is the number of option slots (a–d) a question can carry.
const MaxOptions = 4

// Question represents a single quiz question.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Options       []string     `json:"options,omitempty"`
	CorrectOption string       `json:"correct_option,omitempty"`
	PointValue    int          `json:"point_value"`
}

// Points returns the question's weight, defaulting to 1.
func (q *Question) Points() int {
	if q.PointValue <= 0 {
		return 1
	}
	return q.PointValue
}

// QuestionForStudent is a question without the correct answer.
type QuestionForStudent struct {
	ID         uuid.UUID    `json:"id"`
	Text       string       `json:"text"`
	Type       QuestionType `json:"type"`
	Options    []string     `json:"options,omitempty"`
	PointValue int          `json:"point_value"`
}

// ForStudent strips the answer key.
func (q *Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:         q.ID,
		Text:       q.Text,
		Type:       q.Type,
		Options:    q.Options,
		PointValue: q.Points(),
	}
}

// QuizPayload is the cached catalog entry for a quiz: descriptor plus its question set.
type QuizPayload struct {
	Quiz      QuizDescriptor `json:"quiz"`
	Questions []Question     `json:"questions"`
}
