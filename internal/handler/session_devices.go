package handler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// errCameraDenied is returned by Acquire when the student refused the prompt.
var errCameraDenied = errors.New("camera permission denied")

// RemoteCamera is the server half of the student's webcam. The browser owns
// the device and the face detector; it reports the permission outcome once
// and then streams frames that the monitor consumes one per tick.
type RemoteCamera struct {
	acquireTimeout time.Duration

	mu       sync.Mutex
	granted  *bool
	answered chan struct{}
	once     sync.Once
	acquired bool
	latest   *proctor.Frame
}

// NewRemoteCamera waits at most acquireTimeout for the permission answer.
func NewRemoteCamera(acquireTimeout time.Duration) *RemoteCamera {
	return &RemoteCamera{
		acquireTimeout: acquireTimeout,
		answered:       make(chan struct{}),
	}
}

// SetGranted records the permission outcome. Revoking after acquisition
// puts the monitor into reduced mode on the next tick.
func (c *RemoteCamera) SetGranted(ok bool) {
	c.mu.Lock()
	c.granted = &ok
	if !ok {
		c.acquired = false
		c.latest = nil
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.answered) })
}

// Push stores the newest frame, replacing any unread one.
func (c *RemoteCamera) Push(f *proctor.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		c.latest = f
	}
}

// Acquire implements proctor.Camera.
func (c *RemoteCamera) Acquire(ctx context.Context) error {
	timer := time.NewTimer(c.acquireTimeout)
	defer timer.Stop()

	select {
	case <-c.answered:
	case <-timer.C:
		return proctor.ErrCameraUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.granted == nil || !*c.granted {
		return errCameraDenied
	}
	c.acquired = true
	return nil
}

// Frame implements proctor.Camera. Each pushed frame is read at most once.
func (c *RemoteCamera) Frame(_ context.Context) (*proctor.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil, proctor.ErrCameraUnavailable
	}
	if c.latest == nil {
		return nil, proctor.ErrNoFrame
	}
	f := c.latest
	c.latest = nil
	return f, nil
}

// Release implements proctor.Camera.
func (c *RemoteCamera) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = false
	c.latest = nil
}

// RemoteDisplay asks the browser to enter or leave fullscreen.
type RemoteDisplay struct {
	w *ws.Writer
}

// NewRemoteDisplay sends fullscreen commands over w.
func NewRemoteDisplay(w *ws.Writer) *RemoteDisplay {
	return &RemoteDisplay{w: w}
}

// RequestFullscreen implements session.Display.
func (d *RemoteDisplay) RequestFullscreen(_ context.Context) error {
	return d.w.WriteTyped(ws.FullscreenResponse{Event: ws.EventFullscreenRequest})
}

// ExitFullscreen implements session.Display.
func (d *RemoteDisplay) ExitFullscreen(_ context.Context) error {
	return d.w.WriteTyped(ws.FullscreenResponse{Event: ws.EventFullscreenExit})
}
