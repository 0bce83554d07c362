// Package scoring grades a finished attempt against the quiz answer key.
package scoring

import (
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Breakdown is the scorer output.
type Breakdown struct {
	Score          int                    `json:"score"`
	TotalMarks     int                    `json:"total_marks"`
	Correct        int                    `json:"correct"`
	PendingManual  int                    `json:"pending_manual"`
	ViolationCount int                    `json:"violation_count"`
	Timeline       []model.ViolationEvent `json:"timeline"`
}

// Score compares every stored answer with the question's correct option.
// Comparison is trimmed and case-insensitive; an empty answer never matches.
// FREE_TEXT questions contribute nothing here and are counted as pending
// manual grading. The result depends only on the arguments.
func Score(questions []model.Question, answers map[string]string, violationCount int, timeline []model.ViolationEvent) Breakdown {
	b := Breakdown{
		ViolationCount: violationCount,
		Timeline:       append([]model.ViolationEvent{}, timeline...),
	}

	for i := range questions {
		q := &questions[i]
		b.TotalMarks += q.Points()

		if q.Type == model.QuestionTypeFreeText {
			b.PendingManual++
			continue
		}

		given := normalize(answers[q.ID.String()])
		if given == "" {
			continue
		}
		if given == normalize(q.CorrectOption) {
			b.Score += q.Points()
			b.Correct++
		}
	}

	return b
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
