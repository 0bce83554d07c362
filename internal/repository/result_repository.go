package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResultColumns is the column order used by Insert and CopyRows.
var ResultColumns = []string{
	"id", "quiz_id", "student_id", "score", "total_marks",
	"violation_count", "timeline", "answers", "cause", "completed_at",
}

// ResultRepository persists finished attempts.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

// Insert stores one attempt. Re-inserting the same id is a no-op so that
// requeued submissions stay idempotent.
func (r *ResultRepository) Insert(ctx context.Context, id uuid.UUID, res *model.AttemptResult) error {
	row, err := resultRow(id, res)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO quiz_results (id, quiz_id, student_id, score, total_marks,
		                           violation_count, timeline, answers, cause, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		row...,
	)
	return err
}

// CopyRows bulk-loads attempts with COPY. Any conflict fails the whole batch.
func (r *ResultRepository) CopyRows(ctx context.Context, ids []uuid.UUID, results []*model.AttemptResult) (int64, error) {
	rows := make([][]any, 0, len(results))
	for i, res := range results {
		row, err := resultRow(ids[i], res)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	return r.pool.CopyFrom(ctx, pgx.Identifier{"quiz_results"}, ResultColumns, pgx.CopyFromRows(rows))
}

// ListByStudent returns a student's attempts for one quiz, newest first.
func (r *ResultRepository) ListByStudent(ctx context.Context, quizID uuid.UUID, studentID int) ([]model.AttemptResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT quiz_id, student_id, score, total_marks, violation_count, timeline, answers, cause, completed_at
		 FROM quiz_results
		 WHERE quiz_id = $1 AND student_id = $2
		 ORDER BY completed_at DESC`, quizID, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]model.AttemptResult, 0)
	for rows.Next() {
		var (
			res      model.AttemptResult
			timeline []byte
			answers  []byte
		)
		if err := rows.Scan(&res.QuizID, &res.StudentID, &res.Score, &res.TotalMarks, &res.ViolationCount,
			&timeline, &answers, &res.Cause, &res.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(timeline, &res.Timeline); err != nil {
			return nil, fmt.Errorf("decode timeline: %w", err)
		}
		if err := json.Unmarshal(answers, &res.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func resultRow(id uuid.UUID, res *model.AttemptResult) ([]any, error) {
	timeline := res.Timeline
	if timeline == nil {
		timeline = []model.ViolationEvent{}
	}
	tl, err := json.Marshal(timeline)
	if err != nil {
		return nil, fmt.Errorf("encode timeline: %w", err)
	}
	answers := res.Answers
	if answers == nil {
		answers = map[string]string{}
	}
	ans, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	return []any{
		id, res.QuizID, res.StudentID, res.Score, res.TotalMarks,
		res.ViolationCount, string(tl), string(ans), string(res.Cause), res.CompletedAt,
	}, nil
}
