// Package intercept observes outgoing chat calls on the HTTP, beacon and
// socket primitives and feeds user and assistant text to a turn correlator.
// Observation never changes what the caller sees: bodies, errors and timing
// of the wrapped call are passed through.
package intercept

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatlog/internal/extract"
	"chatlog/internal/record"
)

const (
	CaptureFetch       = "fetch"
	CaptureFetchStream = "fetch-stream"
	CaptureBeacon      = "beacon"
	CaptureWebsocket   = "websocket"

	// DefaultMaxBody bounds how much of a request or response body is held for inspection.
	DefaultMaxBody = 1 << 20
)

// Turns is the correlator side of capture.
type Turns interface {
	Begin(userText string, ts time.Time)
	Complete(assistantText string, meta map[string]string) (record.Turn, bool)
	ThreadChanged()
}

type Options struct {
	Excluder *Excluder
	MaxBody  int64
	Now      func() time.Time
}

type Interceptor struct {
	turns   Turns
	excl    *Excluder
	maxBody int64
	now     func() time.Time

	mu       sync.Mutex
	threadID string
}

func New(turns Turns, opts Options) *Interceptor {
	if opts.Excluder == nil {
		opts.Excluder = NewExcluder()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Interceptor{turns: turns, excl: opts.Excluder, maxBody: opts.MaxBody, now: opts.Now}
}

// observeRequest inspects an outgoing payload for a user utterance and a thread id.
func (i *Interceptor) observeRequest(body []byte, capture string) {
	defer i.recoverCapture(capture)
	if len(body) == 0 {
		return
	}
	if tid := extract.ThreadID(body); tid != "" {
		i.noteThread(tid)
	}
	if text := extract.UserText(body); text != "" {
		i.turns.Begin(text, i.now())
	}
}

// observeReply completes the pending turn with assistant text.
func (i *Interceptor) observeReply(text, capture string) {
	defer i.recoverCapture(capture)
	if strings.TrimSpace(text) == "" {
		return
	}
	i.turns.Complete(text, map[string]string{record.MetaCapture: capture})
}

func (i *Interceptor) noteThread(tid string) {
	i.mu.Lock()
	prev := i.threadID
	i.threadID = tid
	i.mu.Unlock()
	if prev != "" && prev != tid {
		log.Debug().Str("component", "intercept").Str("thread", tid).Msg("thread changed")
		i.turns.ThreadChanged()
	}
}

func (i *Interceptor) recoverCapture(capture string) {
	if r := recover(); r != nil {
		log.Debug().Str("component", "intercept").Str("capture", capture).Interface("panic", r).Msg("capture failed")
	}
}

func inspectable(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// DefaultExclusions keeps the capture away from its own ingestion endpoint,
// session creation, analytics beacons and static assets.
var DefaultExclusions = []string{
	"/api/log-event",
	"/session",
	"analytics",
	"/collect",
	"/telemetry",
	"/static/",
	"/assets/",
}

var staticExt = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true,
}

// Excluder matches URLs that must never be inspected. Patterns are
// case-insensitive substrings of host plus path.
type Excluder struct {
	patterns []string
}

func NewExcluder(extra ...string) *Excluder {
	e := &Excluder{}
	for _, p := range append(append([]string{}, DefaultExclusions...), extra...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			e.patterns = append(e.patterns, p)
		}
	}
	return e
}

// ParseExclusions splits a comma separated pattern list.
func ParseExclusions(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *Excluder) Excluded(u *url.URL) bool {
	if u == nil {
		return true
	}
	target := strings.ToLower(u.Host + u.Path)
	if staticExt[path.Ext(strings.ToLower(u.Path))] {
		return true
	}
	for _, p := range e.patterns {
		if strings.Contains(target, p) {
			return true
		}
	}
	return false
}

// ExcludedString parses raw and reports exclusion; unparseable URLs are excluded.
func (e *Excluder) ExcludedString(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	return e.Excluded(u)
}
