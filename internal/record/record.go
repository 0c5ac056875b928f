// Package record defines the durable shapes written to the object store.
package record

import (
	"sort"
	"time"
	"unicode/utf8"
)

const TypeTurn = "turn"

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Field limits, counted in runes.
const (
	MaxRole      = 20
	MaxText      = 4000
	MaxID        = 200
	MaxUserAgent = 400
	MaxMetaKey   = 50
	MaxMetaValue = 200
	MaxMetaPairs = 32
)

// Meta keys set by the capture paths.
const (
	MetaPath    = "path"
	MetaCapture = "capture"
)

// Turn is one user utterance paired with the assistant reply.
type Turn struct {
	Type          string            `json:"type"`
	ID            string            `json:"id"`
	UserText      string            `json:"user_text"`
	UserTS        string            `json:"user_ts"`
	AssistantText string            `json:"assistant_text"`
	AssistantTS   string            `json:"assistant_ts"`
	Meta          map[string]string `json:"meta"`
	UserAgent     string            `json:"user_agent"`
}

// Event is the single-sided record posted by older clients.
type Event struct {
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	Len       int            `json:"len"`
	SessionID string         `json:"sessionId"`
	ThreadID  string         `json:"threadId"`
	Meta      map[string]any `json:"meta"`
	UserAgent string         `json:"user_agent"`
	TS        string         `json:"ts"`
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Cap returns a copy of t with every free-text and identifier field truncated.
func (t Turn) Cap() Turn {
	t.Type = TypeTurn
	t.ID = Truncate(t.ID, MaxID)
	t.UserText = Truncate(t.UserText, MaxText)
	t.UserTS = Truncate(t.UserTS, MaxID)
	t.AssistantText = Truncate(t.AssistantText, MaxText)
	t.AssistantTS = Truncate(t.AssistantTS, MaxID)
	t.UserAgent = Truncate(t.UserAgent, MaxUserAgent)
	t.Meta = capStringMeta(t.Meta)
	return t
}

// Cap returns a copy of e with every free-text and identifier field truncated.
// Non-string meta values are kept only when they are scalars.
func (e Event) Cap() Event {
	e.Role = Truncate(e.Role, MaxRole)
	e.Text = Truncate(e.Text, MaxText)
	e.SessionID = Truncate(e.SessionID, MaxID)
	e.ThreadID = Truncate(e.ThreadID, MaxID)
	e.UserAgent = Truncate(e.UserAgent, MaxUserAgent)
	if e.Meta != nil {
		out := make(map[string]any, len(e.Meta))
		for _, k := range metaKeys(e.Meta) {
			if len(out) >= MaxMetaPairs {
				break
			}
			switch val := e.Meta[k].(type) {
			case string:
				out[Truncate(k, MaxMetaKey)] = Truncate(val, MaxMetaValue)
			case bool, float64, nil:
				out[Truncate(k, MaxMetaKey)] = val
			}
		}
		e.Meta = out
	}
	return e
}

func capStringMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for _, k := range metaKeys(in) {
		if len(out) >= MaxMetaPairs {
			break
		}
		out[Truncate(k, MaxMetaKey)] = Truncate(in[k], MaxMetaValue)
	}
	return out
}

// metaKeys orders meta keys for capping: path and capture first, then the
// rest sorted, so the kept subset never depends on map iteration.
func metaKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for _, k := range []string{MetaPath, MetaCapture} {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if k != MetaPath && k != MetaCapture {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
