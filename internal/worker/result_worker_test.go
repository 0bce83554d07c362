package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

type fakeResults struct {
	mu        sync.Mutex
	copyErr   error
	insertErr map[int]error
	copied    []uuid.UUID
	inserted  []uuid.UUID
}

func (f *fakeResults) CopyRows(_ context.Context, ids []uuid.UUID, _ []*model.AttemptResult) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.copied = append(f.copied, ids...)
	return int64(len(ids)), nil
}

func (f *fakeResults) Insert(_ context.Context, id uuid.UUID, res *model.AttemptResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.insertErr[res.StudentID]; err != nil {
		return err
	}
	f.inserted = append(f.inserted, id)
	return nil
}

func (f *fakeResults) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.copied), len(f.inserted)
}

func newTestWorker(t *testing.T, store ResultStore) (*ResultWorker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	w := NewResultWorker(store, rdb, zerolog.Nop())
	w.pollTimeout = time.Second
	w.batchTimeout = 10 * time.Millisecond
	w.requeueBackoff = time.Millisecond
	return w, rdb
}

func enqueue(t *testing.T, rdb *redis.Client, studentID int) uuid.UUID {
	t.Helper()
	env := submission.NewEnvelope(model.AttemptResult{QuizID: uuid.New(), StudentID: studentID, Cause: model.CauseManual})
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistResultsQueue, raw).Err())
	return env.SubmissionID
}

func runWorker(w *ResultWorker) (context.CancelFunc, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	return cancel, done
}

func TestResultWorker_BulkCopy(t *testing.T) {
	store := &fakeResults{}
	w, rdb := newTestWorker(t, store)
	first := enqueue(t, rdb, 1)
	second := enqueue(t, rdb, 2)
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistResultsQueue, "{not json").Err())

	cancel, done := runWorker(w)
	require.Eventually(t, func() bool {
		copied, _ := store.counts()
		return copied == 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.ElementsMatch(t, []uuid.UUID{first, second}, store.copied)
}

func TestResultWorker_FallbackAndRequeue(t *testing.T) {
	store := &fakeResults{
		copyErr:   errors.New("copy failed"),
		insertErr: map[int]error{2: errors.New("db down")},
	}
	w, rdb := newTestWorker(t, store)
	ok := enqueue(t, rdb, 1)
	failing := enqueue(t, rdb, 2)

	w.flushSafe(context.Background(), drain(t, rdb))

	assert.Equal(t, []uuid.UUID{ok}, store.inserted)

	items, err := rdb.LRange(context.Background(), config.WorkerKey.PersistResultsQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)
	var env submission.Envelope
	require.NoError(t, json.Unmarshal([]byte(items[0]), &env))
	assert.Equal(t, failing, env.SubmissionID, "requeued with the same id")
}

func TestResultWorker_FlushesOnShutdown(t *testing.T) {
	store := &fakeResults{}
	w, rdb := newTestWorker(t, store)
	w.batchTimeout = time.Hour
	enqueue(t, rdb, 1)

	cancel, done := runWorker(w)
	require.Eventually(t, func() bool {
		return rdb.LLen(context.Background(), config.WorkerKey.PersistResultsQueue).Val() == 0
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	copied, _ := store.counts()
	assert.Equal(t, 1, copied)
}

func drain(t *testing.T, rdb *redis.Client) []*submission.Envelope {
	t.Helper()
	ctx := context.Background()
	var out []*submission.Envelope
	for {
		raw, err := rdb.LPop(ctx, config.WorkerKey.PersistResultsQueue).Result()
		if errors.Is(err, redis.Nil) {
			return out
		}
		require.NoError(t, err)
		var env submission.Envelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		out = append(out, &env)
	}
}
