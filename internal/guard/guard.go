// Package guard detects the same attempt being open in more than one place.
//
// Every session instance announces itself with a ping on a channel scoped to
// the student and quiz. An instance that hears a ping from someone else
// answers pong; hearing either from a foreign instance locks the local
// session. Both sides lock, nobody wins. This is a deterrent, not a lease.
package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind is the signal type on the lock channel.
type Kind string

const (
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Message is one broadcast signal.
type Message struct {
	Kind Kind   `json:"kind"`
	From string `json:"from"`
}

// Channel is a named broadcast medium. Subscribers receive every message
// published on the channel, including their own.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (<-chan Message, func(), error)
}

// Guard runs the ping/pong exchange for one session instance.
type Guard struct {
	channel  Channel
	instance string
	onLock   func()
	log      zerolog.Logger

	mu          sync.Mutex
	locked      bool
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// New creates a guard. onLock is called once, from the guard goroutine, when
// another instance is detected.
func New(channel Channel, onLock func(), log zerolog.Logger) *Guard {
	id := uuid.NewString()
	return &Guard{
		channel:  channel,
		instance: id,
		onLock:   onLock,
		log:      log.With().Str("component", "instance_guard").Str("instance", id).Logger(),
	}
}

// Instance returns this guard's id on the channel.
func (g *Guard) Instance() string {
	return g.instance
}

// Start subscribes and announces presence.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	msgs, unsubscribe, err := g.channel.Subscribe(ctx)
	if err != nil {
		g.mu.Unlock()
		cancel()
		return fmt.Errorf("subscribe lock channel: %w", err)
	}
	g.cancel = cancel
	g.unsubscribe = unsubscribe
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.loop(loopCtx, msgs)

	if err := g.channel.Publish(ctx, Message{Kind: KindPing, From: g.instance}); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	return nil
}

func (g *Guard) loop(ctx context.Context, msgs <-chan Message) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			g.handle(ctx, msg)
		}
	}
}

func (g *Guard) handle(ctx context.Context, msg Message) {
	if msg.From == g.instance {
		return
	}

	switch msg.Kind {
	case KindPing:
		if err := g.channel.Publish(ctx, Message{Kind: KindPong, From: g.instance}); err != nil {
			g.log.Warn().Err(err).Msg("Failed to answer ping")
		}
		g.lock(msg.From)
	case KindPong:
		g.lock(msg.From)
	default:
		g.log.Debug().Str("kind", string(msg.Kind)).Msg("Ignoring unknown lock message")
	}
}

func (g *Guard) lock(other string) {
	g.mu.Lock()
	if g.locked {
		g.mu.Unlock()
		return
	}
	g.locked = true
	g.mu.Unlock()

	g.log.Warn().Str("other_instance", other).Msg("Duplicate session instance detected, locking")
	if g.onLock != nil {
		g.onLock()
	}
}

// Locked reports whether a duplicate was seen.
func (g *Guard) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// Stop closes the subscription and waits for the loop to exit.
// It must not be called from within onLock.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel, unsubscribe, done := g.cancel, g.unsubscribe, g.done
	g.cancel, g.unsubscribe = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	<-done
}
