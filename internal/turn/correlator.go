// Package turn pairs observed user utterances with assistant replies.
package turn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatlog/internal/record"
)

// Sink receives completed turns. Emit is called on the capturing goroutine,
// so implementations must hand off slow work instead of blocking.
type Sink interface {
	Emit(ctx context.Context, t record.Turn) error
}

type SinkFunc func(ctx context.Context, t record.Turn) error

func (f SinkFunc) Emit(ctx context.Context, t record.Turn) error { return f(ctx, t) }

// Pending is the single in-flight user utterance.
type Pending struct {
	ID       string
	UserText string
	UserTS   time.Time
}

type Options struct {
	// PagePath is stamped into every turn's meta.
	PagePath  string
	UserAgent string
	Now       func() time.Time
	NewID     func() string
}

// Correlator holds at most one pending turn; a new Begin replaces it.
// Goroutines of a Go host may call it concurrently, so state sits behind a mutex;
// last write wins as on a single-threaded page.
type Correlator struct {
	sink Sink
	opts Options

	mu        sync.Mutex
	pending   *Pending
	resets    []func()
	userAgent string
}

func NewCorrelator(sink Sink, opts Options) *Correlator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.PagePath == "" {
		opts.PagePath = "/"
	}
	return &Correlator{sink: sink, opts: opts, userAgent: opts.UserAgent}
}

// SetUserAgent replaces the user agent stamped into later turns.
func (c *Correlator) SetUserAgent(ua string) {
	if ua == "" {
		return
	}
	c.mu.Lock()
	c.userAgent = ua
	c.mu.Unlock()
}

// Begin records a user utterance, discarding any unconsumed one.
func (c *Correlator) Begin(userText string, ts time.Time) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return
	}
	if ts.IsZero() {
		ts = c.opts.Now()
	}
	c.mu.Lock()
	c.pending = &Pending{ID: c.opts.NewID(), UserText: userText, UserTS: ts}
	c.mu.Unlock()
}

// Complete pairs assistantText with the pending utterance, if any, and emits the turn.
// Whitespace-only replies are dropped and report false.
func (c *Correlator) Complete(assistantText string, meta map[string]string) (record.Turn, bool) {
	if strings.TrimSpace(assistantText) == "" {
		return record.Turn{}, false
	}

	c.mu.Lock()
	p := c.pending
	c.pending = nil
	ua := c.userAgent
	c.mu.Unlock()

	t := record.Turn{
		Type:          record.TypeTurn,
		AssistantText: assistantText,
		AssistantTS:   record.Timestamp(c.opts.Now()),
		Meta:          make(map[string]string, len(meta)+2),
		UserAgent:     ua,
	}
	if p != nil {
		t.ID = p.ID
		t.UserText = p.UserText
		t.UserTS = record.Timestamp(p.UserTS)
	} else {
		t.ID = c.opts.NewID()
	}
	for k, v := range meta {
		t.Meta[k] = v
	}
	t.Meta[record.MetaPath] = c.opts.PagePath
	if t.Meta[record.MetaCapture] == "" {
		t.Meta[record.MetaCapture] = "unknown"
	}

	if c.sink != nil {
		if err := c.sink.Emit(context.Background(), t); err != nil {
			log.Warn().Err(err).Str("component", "turn").Str("id", t.ID).Msg("turn emit failed")
		}
	}
	return t, true
}

// OnThreadChange registers fn to run when the conversation thread changes.
func (c *Correlator) OnThreadChange(fn func()) {
	c.mu.Lock()
	c.resets = append(c.resets, fn)
	c.mu.Unlock()
}

// ThreadChanged clears capture-path dedup state. The pending turn is kept.
func (c *Correlator) ThreadChanged() {
	c.mu.Lock()
	resets := append([]func(){}, c.resets...)
	c.mu.Unlock()
	for _, fn := range resets {
		fn()
	}
}

// Pending returns a copy of the in-flight turn.
func (c *Correlator) Pending() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Pending{}, false
	}
	return *c.pending, true
}
