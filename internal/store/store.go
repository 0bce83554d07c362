// Package store persists in-progress session state so a reload or crash
// resumes an attempt from its last durable point.
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Store is the persistence contract of a session. Implementations are scoped
// to one student; keys are unique per quiz id. Load treats missing or corrupt
// data as absent and never returns a decode error.
type Store interface {
	Save(ctx context.Context, quizID uuid.UUID, state model.SessionState) error
	Load(ctx context.Context, quizID uuid.UUID) (model.SessionState, bool, error)
	Clear(ctx context.Context, quizID uuid.UUID) error
}

func encode(state model.SessionState) ([]byte, error) {
	return json.Marshal(state)
}

// decode returns false for anything that is not a well-formed state.
func decode(data []byte) (model.SessionState, bool) {
	var state model.SessionState
	if len(data) == 0 {
		return state, false
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return model.SessionState{}, false
	}
	if state.Answers == nil {
		state.Answers = make(map[string]string)
	}
	if state.ViolationTimeline == nil {
		state.ViolationTimeline = []model.ViolationEvent{}
	}
	return state, true
}

// MemoryStore keeps serialized states in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[uuid.UUID][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[uuid.UUID][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, quizID uuid.UUID, state model.SessionState) error {
	raw, err := encode(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[quizID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, quizID uuid.UUID) (model.SessionState, bool, error) {
	m.mu.Lock()
	raw, ok := m.data[quizID]
	m.mu.Unlock()
	if !ok {
		return model.SessionState{}, false, nil
	}
	state, ok := decode(raw)
	return state, ok, nil
}

func (m *MemoryStore) Clear(_ context.Context, quizID uuid.UUID) error {
	m.mu.Lock()
	delete(m.data, quizID)
	m.mu.Unlock()
	return nil
}

// PutRaw stores bytes as-is. Used to simulate partial or corrupt writes.
func (m *MemoryStore) PutRaw(quizID uuid.UUID, raw []byte) {
	m.mu.Lock()
	m.data[quizID] = raw
	m.mu.Unlock()
}
