package proctor

import (
	"errors"
	"math"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// LandmarkCount is the size of the 68-point face landmark model.
const LandmarkCount = 68

// Indexes into the 68-point layout.
const (
	jawLeft      = 0
	jawChin      = 8
	jawRight     = 16
	noseTip      = 33
	leftEyeOuter = 36
	rightEyeEnd  = 47
)

// ErrBadLandmarks is returned for landmark sets that do not match the 68-point layout.
var ErrBadLandmarks = errors.New("landmark set must contain 68 points")

// Point is a landmark coordinate in frame pixels.
type Point struct {
	X float64 `json:"x" validate:"gte=0"`
	Y float64 `json:"y" validate:"gte=0"`
}

// Landmarks is a detected face in the 68-point layout.
type Landmarks []Point

// Verdict is the outcome of one classification.
type Verdict string

const (
	VerdictClean     Verdict = "CLEAN"
	VerdictViolation Verdict = "VIOLATION"
	VerdictUnknown   Verdict = "UNKNOWN"
)

// Classification is what crosses from the monitor into the session.
type Classification struct {
	Verdict Verdict
	Reason  model.ViolationReason
	Yaw     float64
	Pitch   float64
}

// Classifier maps a detected face (nil when none was found) to a verdict.
type Classifier interface {
	Classify(face Landmarks) (Classification, error)
}

// GeometryClassifier estimates head yaw and pitch from landmark geometry.
// Yaw is the nose tip's horizontal offset from the eye midpoint relative to
// jaw width; pitch is the nose tip's vertical offset relative to the
// eye-to-chin height, centred on 0.5.
type GeometryClassifier struct {
	YawScale      float64
	PitchScale    float64
	MaxYaw        float64
	MaxPitch      float64
	PitchBaseline float64
}

// NewGeometryClassifier returns the classifier with the reference thresholds.
func NewGeometryClassifier() *GeometryClassifier {
	return &GeometryClassifier{
		YawScale:      150,
		PitchScale:    100,
		MaxYaw:        30,
		MaxPitch:      20,
		PitchBaseline: 0.5,
	}
}

// Classify implements Classifier.
func (g *GeometryClassifier) Classify(face Landmarks) (Classification, error) {
	if face == nil {
		return Classification{Verdict: VerdictViolation, Reason: model.ReasonFaceNotDetected}, nil
	}
	if len(face) != LandmarkCount {
		return Classification{Verdict: VerdictUnknown}, ErrBadLandmarks
	}

	eyeMidX := (face[leftEyeOuter].X + face[rightEyeEnd].X) / 2
	eyeMidY := (face[leftEyeOuter].Y + face[rightEyeEnd].Y) / 2
	nose := face[noseTip]

	faceWidth := math.Abs(face[jawRight].X - face[jawLeft].X)
	faceHeight := math.Abs(face[jawChin].Y - eyeMidY)
	if faceWidth == 0 || faceHeight == 0 {
		return Classification{Verdict: VerdictUnknown}, ErrBadLandmarks
	}

	yaw := (nose.X - eyeMidX) / faceWidth * g.YawScale
	pitch := ((nose.Y-eyeMidY)/faceHeight - g.PitchBaseline) * g.PitchScale

	c := Classification{Verdict: VerdictClean, Yaw: yaw, Pitch: pitch}
	switch {
	case math.Abs(yaw) > g.MaxYaw:
		c.Verdict = VerdictViolation
		c.Reason = model.ReasonGazeLateral
	case math.Abs(pitch) > g.MaxPitch:
		c.Verdict = VerdictViolation
		c.Reason = model.ReasonGazeVertical
	}
	return c, nil
}
