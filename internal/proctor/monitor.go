// Package proctor classifies camera frames and environment signals into
// clean, violation or unknown readings, and holds the grace-window clock
// that turns sustained violations into counted escalations.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrNoFrame means the camera has no live frame yet; the tick is skipped.
	ErrNoFrame = errors.New("no live frame available")
	// ErrCameraUnavailable is returned by cameras that were denied or never granted.
	ErrCameraUnavailable = errors.New("camera unavailable")
)

// Status is the monitor indicator shown to the student.
type Status string

const (
	StatusInitializing    Status = "INITIALIZING"
	StatusReady           Status = "READY"
	StatusMonitoring      Status = "MONITORING"
	StatusFaceNotDetected Status = "FACE_NOT_DETECTED"
	StatusGazeLateral     Status = "GAZE_LATERAL"
	StatusGazeVertical    Status = "GAZE_VERTICAL"
	StatusCameraDenied    Status = "CAMERA_DENIED"
	StatusUnknown         Status = "UNKNOWN"
	StatusDisabled        Status = "DISABLED"
)

// Frame is one camera sample. Face holds the landmarks produced by the
// detector that ran next to the camera; nil means no face was found.
type Frame struct {
	Image       image.Image
	Face        Landmarks
	DetectorErr string
}

// Camera is an exclusively owned video input handle.
type Camera interface {
	Acquire(ctx context.Context) error
	Frame(ctx context.Context) (*Frame, error)
	Release()
}

// Detector finds a face in a frame. A nil result with a nil error means no face.
type Detector interface {
	Detect(ctx context.Context, f *Frame) (Landmarks, error)
}

// EmbeddedDetector trusts the landmarks already attached to the frame.
type EmbeddedDetector struct{}

// Detect implements Detector.
func (EmbeddedDetector) Detect(_ context.Context, f *Frame) (Landmarks, error) {
	if f.DetectorErr != "" {
		return nil, fmt.Errorf("remote detector: %s", f.DetectorErr)
	}
	return f.Face, nil
}

// Reading is the per-tick output of the monitor.
type Reading struct {
	Status         Status
	Classification Classification
	HasFrame       bool
	LowLight       bool
	Brightness     float64
}

// Monitor samples the camera once per tick. Failures never escape Sample;
// they degrade the reading to VerdictUnknown with an UNKNOWN or CAMERA_DENIED status.
type Monitor struct {
	camera     Camera
	detector   Detector
	classifier Classifier
	luma       *LumaMeter
	enabled    bool
	log        zerolog.Logger

	mu       sync.Mutex
	starting bool
	acquired bool
	stopped  bool
	status   Status
}

// NewMonitor creates a monitor. When enabled is false the camera is never touched.
func NewMonitor(camera Camera, detector Detector, classifier Classifier, enabled bool, log zerolog.Logger) *Monitor {
	if detector == nil {
		detector = EmbeddedDetector{}
	}
	if classifier == nil {
		classifier = NewGeometryClassifier()
	}
	status := StatusInitializing
	if !enabled || camera == nil {
		status = StatusDisabled
		enabled = false
	}
	return &Monitor{
		camera:     camera,
		detector:   detector,
		classifier: classifier,
		luma:       NewLumaMeter(),
		enabled:    enabled,
		status:     status,
		log:        log.With().Str("component", "proctor_monitor").Logger(),
	}
}

// Start acquires the camera. A denied camera leaves the monitor in CAMERA_DENIED.
// The lock is not held while Acquire waits on the student, so Sample keeps
// answering INITIALIZING until the camera is granted or refused.
func (m *Monitor) Start(ctx context.Context) Status {
	m.mu.Lock()
	if !m.enabled || m.acquired || m.starting || m.stopped {
		status := m.status
		m.mu.Unlock()
		return status
	}
	m.starting = true
	m.mu.Unlock()

	err := m.camera.Acquire(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false

	if err != nil {
		m.log.Warn().Err(err).Msg("Camera unavailable, monitoring in reduced mode")
		m.status = StatusCameraDenied
		return m.status
	}
	if m.stopped {
		// Stopped while the prompt was open.
		m.camera.Release()
		return m.status
	}

	m.acquired = true
	m.status = StatusReady
	return m.status
}

// Stop releases the camera. Safe to call more than once, including while
// Start is still waiting on the camera.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	if m.acquired {
		m.camera.Release()
		m.acquired = false
	}
}

// Status returns the last indicator.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Sample takes one frame and classifies it.
func (m *Monitor) Sample(ctx context.Context) (r Reading) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error().Interface("panic", p).Msg("Detector panicked")
			r = m.degrade()
		}
	}()

	m.mu.Lock()
	enabled, acquired, status := m.enabled, m.acquired, m.status
	m.mu.Unlock()

	unknown := Reading{Status: status, Classification: Classification{Verdict: VerdictUnknown}}
	if !enabled || !acquired {
		return unknown
	}

	frame, err := m.camera.Frame(ctx)
	if errors.Is(err, ErrNoFrame) {
		return unknown
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("Frame read failed")
		return m.degrade()
	}

	r.HasFrame = true
	if frame.Image != nil {
		r.LowLight, r.Brightness = m.luma.LowLight(frame.Image)
	}

	face, err := m.detector.Detect(ctx, frame)
	if err != nil {
		m.log.Debug().Err(err).Msg("Detection failed")
		d := m.degrade()
		d.HasFrame, d.LowLight, d.Brightness = r.HasFrame, r.LowLight, r.Brightness
		return d
	}

	c, err := m.classifier.Classify(face)
	if err != nil {
		m.log.Debug().Err(err).Msg("Classification failed")
		d := m.degrade()
		d.HasFrame, d.LowLight, d.Brightness = r.HasFrame, r.LowLight, r.Brightness
		return d
	}

	r.Classification = c
	r.Status = statusFor(c)

	m.mu.Lock()
	m.status = r.Status
	m.mu.Unlock()
	return r
}

func (m *Monitor) degrade() Reading {
	m.mu.Lock()
	m.status = StatusUnknown
	m.mu.Unlock()
	return Reading{Status: StatusUnknown, Classification: Classification{Verdict: VerdictUnknown}}
}

func statusFor(c Classification) Status {
	if c.Verdict == VerdictClean {
		return StatusMonitoring
	}
	switch c.Reason {
	case model.ReasonFaceNotDetected:
		return StatusFaceNotDetected
	case model.ReasonGazeLateral:
		return StatusGazeLateral
	case model.ReasonGazeVertical:
		return StatusGazeVertical
	}
	return StatusUnknown
}
