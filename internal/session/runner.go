package session

import (
	"context"
	"time"
)

// TickInterval is the cadence of the countdown and of proctoring samples.
const TickInterval = time.Second

// Run drives s.Tick until the session terminates, is closed or ctx ends.
// The ticker is stopped on every exit path.
func Run(ctx context.Context, s *Session, interval time.Duration) {
	if interval <= 0 {
		interval = TickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
