// Package notify is the single channel for user-visible notices and
// navigation requests.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/felixgeelhaar/crust/internal/log"
)

// Kind distinguishes notices from redirects.
type Kind string

const (
	KindNotice   Kind = "notice"
	KindRedirect Kind = "redirect"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is one delivered notice or redirect.
type Message struct {
	ID    uuid.UUID `json:"id"`
	Kind  Kind      `json:"kind"`
	Level Level     `json:"level,omitempty"`
	Text  string    `json:"text,omitempty"`
	Route string    `json:"route,omitempty"`
	At    time.Time `json:"at"`
}

const defaultHistory = 32

// Center fans messages out to subscribers and keeps a short history.
type Center struct {
	clock   clock.PassiveClock
	logger  *log.Logger
	history int

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Message)
	recent []Message
}

// Option configures a Center.
type Option func(*Center)

// WithClock sets the clock used to stamp messages.
func WithClock(c clock.PassiveClock) Option {
	return func(n *Center) { n.clock = c }
}

// WithLogger sets the logger messages are recorded to.
func WithLogger(l *log.Logger) Option {
	return func(n *Center) { n.logger = l }
}

// WithHistory sets how many recent messages are retained.
func WithHistory(size int) Option {
	return func(n *Center) { n.history = size }
}

// NewCenter creates a notification center.
func NewCenter(opts ...Option) *Center {
	c := &Center{
		clock:   clock.RealClock{},
		logger:  log.DefaultLogger(),
		history: defaultHistory,
		subs:    make(map[int]func(Message)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("notify")
	return c
}

// Notify publishes a warning notice. It satisfies the session controller's
// notifier contract.
func (c *Center) Notify(ctx context.Context, text string) {
	c.Publish(ctx, LevelWarning, text)
}

// Publish sends a notice at the given level.
func (c *Center) Publish(ctx context.Context, level Level, text string) {
	c.deliver(ctx, Message{Kind: KindNotice, Level: level, Text: text})
}

// Redirect requests navigation to route.
func (c *Center) Redirect(ctx context.Context, route string) {
	c.deliver(ctx, Message{Kind: KindRedirect, Route: route})
}

// Subscribe registers fn for every future message and returns a cancel
// function. fn is called synchronously, in publish order.
func (c *Center) Subscribe(fn func(Message)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Recent returns retained messages, oldest first.
func (c *Center) Recent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.recent...)
}

// Drain returns and forgets the retained messages.
func (c *Center) Drain() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.recent
	c.recent = nil
	return out
}

func (c *Center) deliver(ctx context.Context, msg Message) {
	msg.ID = uuid.New()
	msg.At = c.clock.Now()

	switch msg.Kind {
	case KindRedirect:
		c.logger.InfoContext(ctx, "redirect", "id", msg.ID, "route", msg.Route)
	default:
		c.logger.InfoContext(ctx, "notice", "id", msg.ID, "level", msg.Level, "text", msg.Text)
	}

	c.mu.Lock()
	c.recent = append(c.recent, msg)
	if over := len(c.recent) - c.history; over > 0 {
		c.recent = append([]Message(nil), c.recent[over:]...)
	}
	subs := make([]func(Message), 0, len(c.subs))
	for i := 0; i < c.nextID; i++ {
		if fn, ok := c.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
}
