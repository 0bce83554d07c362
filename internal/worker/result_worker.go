package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

const (
	ResultBatchSize    = 50
	ResultBatchTimeout = 2 * time.Second
	ResultPollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ResultStore is the persistence the worker drains into.
type ResultStore interface {
	CopyRows(ctx context.Context, ids []uuid.UUID, results []*model.AttemptResult) (int64, error)
	Insert(ctx context.Context, id uuid.UUID, res *model.AttemptResult) error
}

// ResultWorker drains persist_results_queue into quiz_results in batches.
type ResultWorker struct {
	results ResultStore
	rdb     *redis.Client
	log     zerolog.Logger

	pollTimeout    time.Duration
	batchTimeout   time.Duration
	requeueBackoff time.Duration
}

func NewResultWorker(results ResultStore, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		results:        results,
		rdb:            rdb,
		log:            log.With().Str("component", "result_worker").Logger(),
		pollTimeout:    ResultPollTimeout,
		batchTimeout:   ResultBatchTimeout,
		requeueBackoff: 2 * time.Second,
	}
}

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]*submission.Envelope, 0, ResultBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ResultBatchSize || time.Since(lastFlush) >= w.batchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(batch)
			return
		default:
		}

		item, err := w.rdb.BLPop(ctx, w.pollTimeout, config.WorkerKey.PersistResultsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}

		if len(item) < 2 {
			continue
		}

		var env submission.Envelope
		if err := json.Unmarshal([]byte(item[1]), &env); err != nil {
			w.log.Error().Err(err).Str("data", item[1]).Msg("Discarding malformed result")
			continue
		}
		if env.SubmissionID == uuid.Nil {
			env.SubmissionID = uuid.New()
		}
		batch = append(batch, &env)
	}
}

// flushSafe attempts a COPY, then row-by-row inserts, then requeue.
func (w *ResultWorker) flushSafe(ctx context.Context, batch []*submission.Envelope) {
	if len(batch) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(batch))
	results := make([]*model.AttemptResult, len(batch))
	for i, env := range batch {
		ids[i] = env.SubmissionID
		results[i] = &env.AttemptResult
	}

	n, err := w.results.CopyRows(ctx, ids, results)
	if err == nil {
		w.log.Debug().Int64("rows", n).Msg("Results persisted")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk copy failed, attempting row-by-row recovery")

	requeue := make([]*submission.Envelope, 0)
	for _, env := range batch {
		if err := w.results.Insert(ctx, env.SubmissionID, &env.AttemptResult); err != nil {
			w.log.Error().Err(err).
				Str("quiz_id", env.QuizID.String()).
				Int("student_id", env.StudentID).
				Msg("Insert failed, requeueing")
			requeue = append(requeue, env)
		}
	}
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ResultWorker) requeue(ctx context.Context, items []*submission.Envelope) {
	pipe := w.rdb.Pipeline()
	for _, env := range items {
		data, _ := json.Marshal(env)
		pipe.RPush(ctx, config.WorkerKey.PersistResultsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue results. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed results")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, w.requeueBackoff)
}

func (w *ResultWorker) shutdown(batch []*submission.Envelope) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flushSafe(shutdownCtx, batch)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
