package proctor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// face builds a 68-point fixture: jaw 100..200 wide, eyes level at y=100,
// chin at y=220, nose tip at (noseX, noseY).
func face(noseX, noseY float64) Landmarks {
	lm := make(Landmarks, LandmarkCount)
	for i := range lm {
		lm[i] = Point{X: 150, Y: 150}
	}
	lm[jawLeft] = Point{X: 100, Y: 100}
	lm[jawRight] = Point{X: 200, Y: 100}
	lm[jawChin] = Point{X: 150, Y: 220}
	lm[leftEyeOuter] = Point{X: 120, Y: 100}
	lm[rightEyeEnd] = Point{X: 180, Y: 100}
	lm[noseTip] = Point{X: noseX, Y: noseY}
	return lm
}

func uniform(v uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// ─── Violation clock ────────────────────────────────────────────────

func TestViolationClock_FiresAfterGrace(t *testing.T) {
	c := NewViolationClock(3)

	assert.True(t, c.Arm(model.ReasonFaceNotDetected))

	_, fired := c.Tick()
	assert.False(t, fired)
	_, fired = c.Tick()
	assert.False(t, fired)
	reason, fired := c.Tick()
	assert.True(t, fired)
	assert.Equal(t, model.ReasonFaceNotDetected, reason)

	_, _, pending := c.Pending()
	assert.False(t, pending, "clock re-arms only on a fresh detection")
	_, fired = c.Tick()
	assert.False(t, fired)
}

func TestViolationClock_CancelBeforeZero(t *testing.T) {
	c := NewViolationClock(3)
	c.Arm(model.ReasonGazeLateral)
	c.Tick()
	c.Tick()

	assert.True(t, c.Cancel())
	_, fired := c.Tick()
	assert.False(t, fired)
	assert.False(t, c.Cancel())
}

func TestViolationClock_ArmWhilePendingKeepsReason(t *testing.T) {
	c := NewViolationClock(3)
	c.Arm(model.ReasonFocusLost)
	c.Tick()

	assert.False(t, c.Arm(model.ReasonGazeVertical))
	reason, remaining, pending := c.Pending()
	assert.True(t, pending)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, model.ReasonFocusLost, reason)
}

func TestViolationClock_DefaultGrace(t *testing.T) {
	c := NewViolationClock(0)
	c.Arm(model.ReasonFocusLost)
	_, remaining, _ := c.Pending()
	assert.Equal(t, DefaultGraceTicks, remaining)
}

// ─── Classifier ─────────────────────────────────────────────────────

func TestGeometryClassifier(t *testing.T) {
	g := NewGeometryClassifier()

	tests := []struct {
		name    string
		face    Landmarks
		verdict Verdict
		reason  model.ViolationReason
	}{
		{"centered", face(150, 160), VerdictClean, ""},
		{"no face", nil, VerdictViolation, model.ReasonFaceNotDetected},
		{"looking right", face(175, 160), VerdictViolation, model.ReasonGazeLateral},
		{"looking left", face(125, 160), VerdictViolation, model.ReasonGazeLateral},
		{"looking down", face(150, 190), VerdictViolation, model.ReasonGazeVertical},
		{"looking up", face(150, 130), VerdictViolation, model.ReasonGazeVertical},
		{"slight turn", face(160, 165), VerdictClean, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := g.Classify(tt.face)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, c.Verdict)
			assert.Equal(t, tt.reason, c.Reason)
		})
	}
}

func TestGeometryClassifier_TunableThresholds(t *testing.T) {
	g := NewGeometryClassifier()
	g.MaxYaw = 10

	c, err := g.Classify(face(160, 160))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonGazeLateral, c.Reason)
	assert.InDelta(t, 15.0, c.Yaw, 0.001)
}

func TestGeometryClassifier_BadLandmarks(t *testing.T) {
	g := NewGeometryClassifier()

	c, err := g.Classify(Landmarks{{X: 1, Y: 1}})
	assert.ErrorIs(t, err, ErrBadLandmarks)
	assert.Equal(t, VerdictUnknown, c.Verdict)

	flat := make(Landmarks, LandmarkCount)
	_, err = g.Classify(flat)
	assert.ErrorIs(t, err, ErrBadLandmarks)
}

// ─── Luma ───────────────────────────────────────────────────────────

func TestLumaMeter(t *testing.T) {
	m := NewLumaMeter()

	low, mean := m.LowLight(uniform(20))
	assert.True(t, low)
	assert.InDelta(t, 20, mean, 0.5)

	low, mean = m.LowLight(uniform(200))
	assert.False(t, low)
	assert.InDelta(t, 200, mean, 0.5)
}

// ─── Monitor ────────────────────────────────────────────────────────

type fakeCamera struct {
	acquireErr error
	frames     []*Frame
	frameErr   error
	released   int
}

func (c *fakeCamera) Acquire(context.Context) error { return c.acquireErr }
func (c *fakeCamera) Release() { c.released++ }
func (c *fakeCamera) Frame(context.Context) (*Frame, error) {
	if c.frameErr != nil {
		return nil, c.frameErr
	}
	if len(c.frames) == 0 {
		return nil, ErrNoFrame
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

type panicDetector struct{}

func (panicDetector) Detect(context.Context, *Frame) (Landmarks, error) { panic("model crashed") }

func TestMonitor_CleanAndViolation(t *testing.T) {
	cam := &fakeCamera{frames: []*Frame{
		{Image: uniform(200), Face: face(150, 160)},
		{Image: uniform(10), Face: nil},
	}}
	m := NewMonitor(cam, nil, nil, true, zerolog.Nop())
	ctx := context.Background()

	assert.Equal(t, StatusReady, m.Start(ctx))

	r := m.Sample(ctx)
	assert.Equal(t, VerdictClean, r.Classification.Verdict)
	assert.Equal(t, StatusMonitoring, r.Status)
	assert.False(t, r.LowLight)

	r = m.Sample(ctx)
	assert.Equal(t, VerdictViolation, r.Classification.Verdict)
	assert.Equal(t, model.ReasonFaceNotDetected, r.Classification.Reason)
	assert.Equal(t, StatusFaceNotDetected, r.Status)
	assert.True(t, r.LowLight, "low light is advisory and reported alongside the verdict")

	r = m.Sample(ctx)
	assert.Equal(t, VerdictUnknown, r.Classification.Verdict)
	assert.False(t, r.HasFrame)

	m.Stop()
	m.Stop()
	assert.Equal(t, 1, cam.released)
}

func TestMonitor_CameraDenied(t *testing.T) {
	cam := &fakeCamera{acquireErr: ErrCameraUnavailable}
	m := NewMonitor(cam, nil, nil, true, zerolog.Nop())

	assert.Equal(t, StatusCameraDenied, m.Start(context.Background()))

	r := m.Sample(context.Background())
	assert.Equal(t, VerdictUnknown, r.Classification.Verdict)
	assert.Equal(t, StatusCameraDenied, r.Status)

	m.Stop()
	assert.Equal(t, 0, cam.released)
}

func TestMonitor_DetectorFailuresDegrade(t *testing.T) {
	cam := &fakeCamera{frames: []*Frame{{DetectorErr: "model not loaded"}}}
	m := NewMonitor(cam, nil, nil, true, zerolog.Nop())
	m.Start(context.Background())

	r := m.Sample(context.Background())
	assert.Equal(t, VerdictUnknown, r.Classification.Verdict)
	assert.Equal(t, StatusUnknown, r.Status)
	assert.Equal(t, StatusUnknown, m.Status())

	cam.frameErr = errors.New("device lost")
	r = m.Sample(context.Background())
	assert.Equal(t, StatusUnknown, r.Status)
}

func TestMonitor_PanicIsContained(t *testing.T) {
	cam := &fakeCamera{frames: []*Frame{{Face: face(150, 160)}}}
	m := NewMonitor(cam, panicDetector{}, nil, true, zerolog.Nop())
	m.Start(context.Background())

	var r Reading
	assert.NotPanics(t, func() { r = m.Sample(context.Background()) })
	assert.Equal(t, VerdictUnknown, r.Classification.Verdict)
}

func TestMonitor_Disabled(t *testing.T) {
	cam := &fakeCamera{}
	m := NewMonitor(cam, nil, nil, false, zerolog.Nop())

	assert.Equal(t, StatusDisabled, m.Start(context.Background()))
	r := m.Sample(context.Background())
	assert.Equal(t, VerdictUnknown, r.Classification.Verdict)
	assert.Equal(t, StatusDisabled, r.Status)
}

// promptCamera blocks Acquire until the student answers.
type promptCamera struct {
	prompted chan struct{}
	answered chan struct{}
	released atomic.Int32
}

func newPromptCamera() *promptCamera {
	return &promptCamera{prompted: make(chan struct{}, 1), answered: make(chan struct{})}
}

func (c *promptCamera) Acquire(ctx context.Context) error {
	c.prompted <- struct{}{}
	select {
	case <-c.answered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (c *promptCamera) Release()                              { c.released.Add(1) }
func (c *promptCamera) Frame(context.Context) (*Frame, error) { return nil, ErrNoFrame }

func TestMonitor_SampleAnswersWhilePromptPending(t *testing.T) {
	cam := newPromptCamera()
	m := NewMonitor(cam, nil, nil, true, zerolog.Nop())

	started := make(chan Status, 1)
	go func() { started <- m.Start(context.Background()) }()
	<-cam.prompted

	sampled := make(chan Reading, 1)
	go func() { sampled <- m.Sample(context.Background()) }()

	select {
	case r := <-sampled:
		assert.Equal(t, VerdictUnknown, r.Classification.Verdict)
		assert.Equal(t, StatusInitializing, r.Status)
	case <-time.After(time.Second):
		t.Fatal("Sample blocked behind the camera prompt")
	}
	assert.Equal(t, StatusInitializing, m.Status())

	close(cam.answered)
	assert.Equal(t, StatusReady, <-started)
	assert.Equal(t, StatusReady, m.Status())

	m.Stop()
	assert.Equal(t, int32(1), cam.released.Load())
}

func TestMonitor_StopDuringPromptReleasesLateGrant(t *testing.T) {
	cam := newPromptCamera()
	m := NewMonitor(cam, nil, nil, true, zerolog.Nop())

	started := make(chan Status, 1)
	go func() { started <- m.Start(context.Background()) }()
	<-cam.prompted

	stopped := make(chan struct{})
	go func() { m.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind the camera prompt")
	}

	close(cam.answered)
	<-started
	assert.Equal(t, int32(1), cam.released.Load())

	r := m.Sample(context.Background())
	assert.Equal(t, VerdictUnknown, r.Classification.Verdict)
	assert.False(t, r.HasFrame)
}
