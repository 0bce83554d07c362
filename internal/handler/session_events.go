package handler

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// typedWriter is the part of ws.Writer the pump needs.
type typedWriter interface {
	WriteTyped(v interface{}) error
}

// eventPump moves session events off the session lock. Push only queues;
// one goroutine serializes and writes, so a stalled client slows its own
// socket and never the countdown.
type eventPump struct {
	w     typedWriter
	limit int
	log   zerolog.Logger

	mu      sync.Mutex
	queue   []session.Event
	closed  bool
	wake    chan struct{}
	drained chan struct{}
}

func newEventPump(w typedWriter, limit int, log zerolog.Logger) *eventPump {
	p := &eventPump{
		w:       w,
		limit:   limit,
		log:     log,
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	go p.run()
	return p
}

// Push implements session.Listener. It never blocks. A tick still waiting
// in the queue is replaced by the newer one.
func (p *eventPump) Push(ev session.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if n := len(p.queue); n > 0 && ev.Kind == session.EventTick && p.queue[n-1].Kind == session.EventTick {
		p.queue[n-1] = ev
	} else {
		p.queue = append(p.queue, ev)
	}
	p.mu.Unlock()
	p.signal()
}

// Close stops accepting events and returns once the queued ones are written.
func (p *eventPump) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
	<-p.drained
}

func (p *eventPump) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *eventPump) run() {
	defer close(p.drained)
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, ev := range batch {
			msg := eventMessage(ev, p.limit)
			if msg == nil {
				continue
			}
			if err := p.w.WriteTyped(msg); err != nil {
				p.log.Debug().Err(err).Str("event", string(ev.Kind)).Msg("Dropping session event")
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-p.wake
	}
}

// eventMessage maps a session event to its socket payload, or nil when the
// event has nothing to show.
func eventMessage(ev session.Event, limit int) interface{} {
	snap := ev.Snapshot
	switch ev.Kind {
	case session.EventState:
		return ws.StateResponse{Event: ws.EventState, Session: snap}
	case session.EventTick:
		return ws.TickResponse{Event: ws.EventTick, TimeLeft: snap.State.TimeLeftSeconds, Alert: snap.Alert}
	case session.EventAlert:
		return ws.AlertResponse{
			Event:          ws.EventAlert,
			Alert:          snap.Alert,
			ViolationCount: snap.State.ViolationCount,
			ViolationLimit: limit,
		}
	case session.EventStatus:
		return ws.StatusResponse{
			Event:      ws.EventStatus,
			Status:     snap.Status,
			LowLight:   snap.LowLight,
			Brightness: snap.Brightness,
		}
	case session.EventLocked:
		return ws.LockedResponse{Event: ws.EventLocked, Message: response.GetMessage(response.ErrAttemptLocked)}
	case session.EventTerminated:
		if snap.Result == nil {
			return nil
		}
		res := ws.ResultResponse{Event: ws.EventResult, Result: *snap.Result}
		if ev.Receipt != nil {
			id := ev.Receipt.ID
			res.Submitted = true
			res.SubmissionID = &id
		}
		return res
	}
	return nil
}
