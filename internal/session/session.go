// Package session runs one proctored attempt: the countdown, answer capture,
// write-through persistence, violation escalation, the duplicate-instance
// lock and the single finishing sequence that scores and submits.
//
// All state lives behind one mutex. Ticks, transport commands and guard
// callbacks are serialized through it and always act on the latest committed
// state. Slow collaborators (camera frames, guard subscription, submission)
// run outside the lock.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/scoring"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

var (
	ErrLocked         = errors.New("session is locked by another open instance")
	ErrNotRunning     = errors.New("session is not running")
	ErrAlreadyStarted = errors.New("session already started")
	ErrInvalidIndex   = errors.New("question index out of range")
)

// Display is the fullscreen capability of the student's screen. Both calls
// fail soft: an error is logged and the attempt continues.
type Display interface {
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
}

// EnvEvent is a focus or fullscreen change reported by the environment.
type EnvEvent string

const (
	EnvFocusLost         EnvEvent = "focus_lost"
	EnvFocusGained       EnvEvent = "focus_gained"
	EnvFullscreenExited  EnvEvent = "fullscreen_exited"
	EnvFullscreenEntered EnvEvent = "fullscreen_entered"
)

// Alert is the pending escalation shown to the student.
type Alert struct {
	Reason    model.ViolationReason `json:"reason"`
	Remaining int                   `json:"remaining"`
}

// Snapshot is a copy of everything observable about the session.
type Snapshot struct {
	Phase      model.SessionPhase   `json:"phase"`
	State      model.SessionState   `json:"state"`
	Status     proctor.Status       `json:"status"`
	Alert      *Alert               `json:"alert,omitempty"`
	Locked     bool                 `json:"locked"`
	LowLight   bool                 `json:"low_light"`
	Brightness float64              `json:"brightness"`
	Fullscreen bool                 `json:"fullscreen"`
	Result     *model.AttemptResult `json:"result,omitempty"`
}

// EventKind names a change pushed to the Listener.
type EventKind string

const (
	EventState      EventKind = "state"
	EventTick       EventKind = "tick"
	EventAlert      EventKind = "alert"
	EventStatus     EventKind = "status"
	EventLocked     EventKind = "locked"
	EventTerminated EventKind = "terminated"
)

// Event carries a snapshot taken at the moment of the change.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Receipt  *submission.Receipt
}

// Listener receives session events. It is called with the session lock held,
// so it must return without waiting on I/O and must not call back into the Session.
type Listener func(Event)

// Config wires a session to its collaborators. Quiz, Store and Gateway are
// required; a nil Monitor or NewGuard disables that observer.
type Config struct {
	Quiz      *model.QuizDescriptor
	Questions []model.Question
	StudentID int

	Store   store.Store
	Gateway submission.Gateway
	Monitor *proctor.Monitor
	// NewGuard builds the duplicate-instance guard with the session's lock callback.
	NewGuard func(onLock func()) *guard.Guard
	Display  Display
	Listener Listener

	GraceTicks int
	Now        func() time.Time
	Log        zerolog.Logger
}

// Session is the state machine of one attempt.
type Session struct {
	quiz      *model.QuizDescriptor
	questions []model.Question
	studentID int
	limit     int

	store    store.Store
	gateway  submission.Gateway
	monitor  *proctor.Monitor
	guard    *guard.Guard
	display  Display
	listener Listener
	now      func() time.Time
	log      zerolog.Logger

	locked atomic.Bool
	done   chan struct{}

	mu               sync.Mutex
	phase            model.SessionPhase
	state            model.SessionState
	clock            *proctor.ViolationClock
	status           proctor.Status
	lowLight         bool
	brightness       float64
	focusLost        bool
	fullscreenExited bool
	fullscreen       bool
	result           *model.AttemptResult
	receipt          *submission.Receipt
}

// New creates a session in INITIALIZING.
func New(cfg Config) *Session {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	listener := cfg.Listener
	if listener == nil {
		listener = func(Event) {}
	}

	s := &Session{
		quiz:      cfg.Quiz,
		questions: cfg.Questions,
		studentID: cfg.StudentID,
		limit:     cfg.Quiz.EffectiveViolationLimit(),
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		monitor:   cfg.Monitor,
		display:   cfg.Display,
		listener:  listener,
		now:       now,
		done:      make(chan struct{}),
		phase:     model.PhaseInitializing,
		clock:     proctor.NewViolationClock(cfg.GraceTicks),
		status:    proctor.StatusInitializing,
		log: cfg.Log.With().
			Str("component", "quiz_session").
			Str("quiz_id", cfg.Quiz.ID.String()).
			Int("student_id", cfg.StudentID).
			Logger(),
	}
	if cfg.NewGuard != nil {
		s.guard = cfg.NewGuard(s.onDuplicate)
	}
	return s
}

// Done is closed once the session is TERMINATED or CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start hydrates the state and enters RUNNING. A persisted state with no
// time left finishes immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != model.PhaseInitializing {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	s.state = s.hydrate(ctx)
	s.phase = model.PhaseRunning
	s.persist(ctx)

	if s.state.TimeLeftSeconds == 0 {
		result := s.beginFinish(model.CauseTimeExpired)
		s.mu.Unlock()
		s.complete(ctx, result)
		return nil
	}
	s.emit(EventState)
	s.mu.Unlock()

	status := proctor.StatusDisabled
	if s.monitor != nil {
		status = s.monitor.Start(ctx)
	}
	if s.quiz.Flags.FullscreenRequired && s.display != nil {
		if err := s.display.RequestFullscreen(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Fullscreen request failed")
		}
	}
	if s.guard != nil {
		if err := s.guard.Start(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Instance guard unavailable")
		}
	}

	s.mu.Lock()
	if s.phase != model.PhaseRunning {
		// Finished or closed while resources were being acquired.
		s.mu.Unlock()
		s.release(ctx)
		return nil
	}
	s.status = status
	timeLeft := s.state.TimeLeftSeconds
	s.emit(EventStatus)
	s.mu.Unlock()

	s.log.Info().
		Int("time_left", timeLeft).
		Str("monitor", string(status)).
		Msg("Session running")
	return nil
}

func (s *Session) hydrate(ctx context.Context) model.SessionState {
	fresh := model.NewSessionState(s.quiz)

	state, ok, err := s.store.Load(ctx, s.quiz.ID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Progress load failed, starting fresh")
		return fresh
	}
	if !ok {
		return fresh
	}
	if !state.Validate(s.quiz, len(s.questions)) {
		s.log.Warn().Msg("Persisted progress is inconsistent, starting fresh")
		if err := s.store.Clear(ctx, s.quiz.ID); err != nil {
			s.log.Warn().Err(err).Msg("Failed to clear inconsistent progress")
		}
		return fresh
	}
	s.log.Info().
		Int("time_left", state.TimeLeftSeconds).
		Int("answers", len(state.Answers)).
		Msg("Resuming persisted progress")
	return state
}

// RecordAnswer overwrites the answer for questionID. Values are not checked
// against the question type.
func (s *Session) RecordAnswer(ctx context.Context, questionID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.interactive(); err != nil {
		return err
	}
	s.state.Answers[questionID] = value
	s.persist(ctx)
	s.emit(EventState)
	return nil
}

// Advance moves the navigation cursor. It has no effect on scoring.
func (s *Session) Advance(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.interactive(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.questions) {
		return ErrInvalidIndex
	}
	s.state.CurrentIndex = index
	s.persist(ctx)
	s.emit(EventState)
	return nil
}

// RequestEarlySubmit ends the attempt voluntarily.
func (s *Session) RequestEarlySubmit(ctx context.Context) error {
	s.mu.Lock()
	if err := s.interactive(); err != nil {
		s.mu.Unlock()
		return err
	}
	result := s.beginFinish(model.CauseManual)
	s.mu.Unlock()

	s.complete(ctx, result)
	return nil
}

func (s *Session) interactive() error {
	if s.phase != model.PhaseRunning {
		return ErrNotRunning
	}
	if s.locked.Load() {
		return ErrLocked
	}
	return nil
}

// Tick advances the countdown and the violation clock by one second and
// applies one proctoring sample.
func (s *Session) Tick(ctx context.Context) {
	s.mu.Lock()
	running := s.phase == model.PhaseRunning
	s.mu.Unlock()
	if !running {
		return
	}

	var reading proctor.Reading
	if s.monitor != nil {
		reading = s.monitor.Sample(ctx)
	} else {
		reading = proctor.Reading{Status: proctor.StatusDisabled, Classification: proctor.Classification{Verdict: proctor.VerdictUnknown}}
	}

	s.mu.Lock()
	if s.phase != model.PhaseRunning {
		s.mu.Unlock()
		return
	}

	if s.state.TimeLeftSeconds > 0 {
		s.state.TimeLeftSeconds--
	}

	s.applyReading(reading)
	s.armEnvironment()

	var result *model.AttemptResult
	if reason, fired := s.clock.Tick(); fired {
		result = s.escalate(reason)
	} else if _, _, pending := s.clock.Pending(); pending {
		s.emit(EventAlert)
	}

	if result == nil && s.state.TimeLeftSeconds == 0 {
		result = s.beginFinish(model.CauseTimeExpired)
	}
	if result == nil {
		s.persist(ctx)
		s.emit(EventTick)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.complete(ctx, result)
}

func (s *Session) applyReading(r proctor.Reading) {
	if r.Status != s.status {
		s.status = r.Status
		s.emit(EventStatus)
	}
	if r.HasFrame {
		s.lowLight, s.brightness = r.LowLight, r.Brightness
	}

	switch r.Classification.Verdict {
	case proctor.VerdictViolation:
		if s.clock.Arm(r.Classification.Reason) {
			s.emit(EventAlert)
		}
	case proctor.VerdictClean:
		if !s.focusLost && !s.fullscreenExited && s.clock.Cancel() {
			s.emit(EventAlert)
		}
	}
}

func (s *Session) armEnvironment() {
	switch {
	case s.focusLost:
		if s.clock.Arm(model.ReasonFocusLost) {
			s.emit(EventAlert)
		}
	case s.fullscreenExited:
		if s.clock.Arm(model.ReasonFullscreenExited) {
			s.emit(EventAlert)
		}
	}
}

// escalate counts a sustained violation. It returns a result when the
// violation limit forces the attempt to finish.
func (s *Session) escalate(reason model.ViolationReason) *model.AttemptResult {
	now := s.now()
	s.state.ViolationTimeline = append(s.state.ViolationTimeline, model.ViolationEvent{Reason: reason, Timestamp: now})
	s.state.ViolationCount++
	s.log.Warn().
		Str("reason", string(reason)).
		Int("count", s.state.ViolationCount).
		Int("limit", s.limit).
		Msg("Violation escalated")
	s.emit(EventAlert)

	if s.state.ViolationCount < s.limit {
		return nil
	}

	s.state.ViolationTimeline = append(s.state.ViolationTimeline, model.ViolationEvent{
		Reason:     reason,
		Timestamp:  now,
		AutoSubmit: true,
	})
	return s.beginFinish(model.CauseViolationLimit)
}

// ObserveEnvironment applies a focus or fullscreen change.
func (s *Session) ObserveEnvironment(ctx context.Context, ev EnvEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != model.PhaseRunning {
		return ErrNotRunning
	}

	switch ev {
	case EnvFocusLost:
		s.focusLost = true
		if s.clock.Arm(model.ReasonFocusLost) {
			s.emit(EventAlert)
		}
	case EnvFocusGained:
		s.focusLost = false
		s.cancelIf(model.ReasonFocusLost)
	case EnvFullscreenExited:
		s.fullscreen = false
		if !s.quiz.Flags.FullscreenRequired {
			return nil
		}
		s.fullscreenExited = true
		if s.clock.Arm(model.ReasonFullscreenExited) {
			s.emit(EventAlert)
		}
		if s.display != nil {
			if err := s.display.RequestFullscreen(ctx); err != nil {
				s.log.Debug().Err(err).Msg("Fullscreen re-request failed")
			}
		}
	case EnvFullscreenEntered:
		s.fullscreen = true
		s.fullscreenExited = false
		s.cancelIf(model.ReasonFullscreenExited)
	default:
		s.log.Debug().Str("event", string(ev)).Msg("Ignoring unknown environment event")
	}
	return nil
}

func (s *Session) cancelIf(reason model.ViolationReason) {
	if pending, _, ok := s.clock.Pending(); ok && pending == reason {
		s.clock.Cancel()
		s.emit(EventAlert)
	}
}

// beginFinish moves RUNNING to FINISHING and scores the attempt against the
// answers committed at this moment. Callers hold the lock.
func (s *Session) beginFinish(cause model.FinishCause) *model.AttemptResult {
	if s.phase != model.PhaseRunning {
		return nil
	}
	s.phase = model.PhaseFinishing
	s.clock.Cancel()

	b := scoring.Score(s.questions, s.state.Answers, s.state.ViolationCount, s.state.ViolationTimeline)
	answers := s.state.Clone().Answers
	s.result = &model.AttemptResult{
		QuizID:         s.quiz.ID,
		StudentID:      s.studentID,
		Score:          b.Score,
		TotalMarks:     b.TotalMarks,
		ViolationCount: b.ViolationCount,
		Timeline:       b.Timeline,
		Answers:        answers,
		Cause:          cause,
		CompletedAt:    s.now(),
	}
	s.log.Info().
		Str("cause", string(cause)).
		Int("score", b.Score).
		Int("total_marks", b.TotalMarks).
		Msg("Session finishing")
	return s.result
}

// complete runs the rest of the finishing sequence outside the lock: release
// resources, submit once, purge progress, then TERMINATED.
func (s *Session) complete(ctx context.Context, result *model.AttemptResult) {
	if result == nil {
		return
	}
	// The attempt must reach the gateway even if the caller's context ends.
	ctx = context.WithoutCancel(ctx)

	s.release(ctx)

	receipt, err := s.gateway.Submit(ctx, *result)
	if err != nil {
		s.log.Error().Err(err).Msg("Result submission failed, keeping local result")
	}

	if err := s.store.Clear(ctx, s.quiz.ID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to purge progress")
	}

	s.mu.Lock()
	s.phase = model.PhaseTerminated
	s.receipt = receipt
	// Listeners see the result before Done unblocks waiters.
	s.emitWith(EventTerminated, receipt)
	close(s.done)
	s.mu.Unlock()
}

// Close abandons the attempt without submitting. Resources are released and
// persisted progress is kept so a new instance resumes it.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	switch s.phase {
	case model.PhaseInitializing, model.PhaseRunning:
	default:
		s.mu.Unlock()
		return
	}
	s.phase = model.PhaseClosed
	s.clock.Cancel()
	close(s.done)
	s.mu.Unlock()

	s.release(ctx)
	s.log.Info().Msg("Session closed, progress kept")
}

// release stops every observer and hands back the camera, the lock channel
// and fullscreen. Safe to call more than once.
func (s *Session) release(ctx context.Context) {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.guard != nil {
		s.guard.Stop()
	}

	s.mu.Lock()
	active := s.fullscreen
	s.fullscreen = false
	s.mu.Unlock()

	if active && s.display != nil {
		if err := s.display.ExitFullscreen(ctx); err != nil {
			s.log.Debug().Err(err).Msg("Fullscreen exit failed")
		}
	}
}

// onDuplicate runs on the guard goroutine. It must not wait on the session
// lock because release stops the guard while the lock may be contended.
func (s *Session) onDuplicate() {
	if s.locked.Swap(true) {
		return
	}
	s.log.Warn().Msg("Another instance of this attempt is open, locking")
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.phase == model.PhaseRunning {
			s.emit(EventLocked)
		}
	}()
}

// Snapshot returns the latest committed state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Result returns the scored attempt once finishing has begun.
func (s *Session) Result() (*model.AttemptResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, false
	}
	cp := *s.result
	return &cp, true
}

// Receipt returns the gateway acknowledgement, if submission succeeded.
func (s *Session) Receipt() *submission.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipt
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Phase:      s.phase,
		State:      s.state.Clone(),
		Status:     s.status,
		Locked:     s.locked.Load(),
		LowLight:   s.lowLight,
		Brightness: s.brightness,
		Fullscreen: s.fullscreen,
	}
	if reason, remaining, pending := s.clock.Pending(); pending {
		snap.Alert = &Alert{Reason: reason, Remaining: remaining}
	}
	if s.result != nil {
		cp := *s.result
		snap.Result = &cp
	}
	return snap
}

func (s *Session) persist(ctx context.Context) {
	if err := s.store.Save(ctx, s.quiz.ID, s.state); err != nil {
		s.log.Warn().Err(err).Msg("Progress write failed")
	}
}

func (s *Session) emit(kind EventKind) {
	s.emitWith(kind, nil)
}

func (s *Session) emitWith(kind EventKind, receipt *submission.Receipt) {
	s.listener(Event{Kind: kind, Snapshot: s.snapshot(), Receipt: receipt})
}
