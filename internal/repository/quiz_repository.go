package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuizRepository reads quiz descriptors from the catalog tables.
type QuizRepository struct {
	pool *pgxpool.Pool
}

// NewQuizRepository creates a new QuizRepository.
func NewQuizRepository(pool *pgxpool.Pool) *QuizRepository {
	return &QuizRepository{pool: pool}
}

// GetByID retrieves a quiz descriptor. Returns pgx.ErrNoRows when absent.
func (r *QuizRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.QuizDescriptor, error) {
	q := &model.QuizDescriptor{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes,
		        fullscreen_required, tab_switch_detection, eye_tracking_enabled, shuffle_questions,
		        violation_limit
		 FROM quizzes WHERE id = $1`, id,
	).Scan(&q.ID, &q.Title, &q.DurationMinutes,
		&q.Flags.FullscreenRequired, &q.Flags.TabSwitchDetection, &q.Flags.EyeTrackingEnabled, &q.Flags.ShuffleQuestions,
		&q.ViolationLimit)
	if err != nil {
		return nil, err
	}
	return q, nil
}
