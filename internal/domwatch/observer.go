package domwatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"chatlog/internal/record"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	CaptureDOM = "dom"

	// seenPrefixRunes is how much of a message's text forms its dedup key.
	seenPrefixRunes = 120

	DefaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

var ErrHostNotFound = errors.New("chat widget host not found")

// AttachError reports that no widget host appeared within the retry window.
type AttachError struct {
	Waited time.Duration
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach after %s: %v", e.Waited, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// Turns receives the utterances the observer recognises.
type Turns interface {
	Begin(userText string, ts time.Time)
	Complete(assistantText string, meta map[string]string) (record.Turn, bool)
}

// Matcher reports whether a node is the widget host.
type Matcher func(*html.Node) bool

// DefaultMatcher matches an <openai-chatkit> element or any element with a
// data-chat-widget attribute.
func DefaultMatcher(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.Data == "openai-chatkit" {
		return true
	}
	_, ok := attr(n, "data-chat-widget")
	return ok
}

type Observer struct {
	Turns      Turns
	Matcher    Matcher
	RetryDelay time.Duration
	Now        func() time.Time
}

// Attach locates the widget host, retrying once after RetryDelay, scans it
// fully and then follows its changes.
func (o *Observer) Attach(ctx context.Context, t *Tree) (*Subscription, error) {
	match := o.Matcher
	if match == nil {
		match = DefaultMatcher
	}
	host := t.Find(match)
	if host == nil {
		delay := o.retryDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &AttachError{Waited: delay, Err: ctx.Err()}
		case <-timer.C:
		}
		if host = t.Find(match); host == nil {
			return nil, &AttachError{Waited: delay, Err: ErrHostNotFound}
		}
	}

	s := &Subscription{obs: o, host: host, seen: make(map[string]struct{})}
	t.Read(func() {
		s.scan(host)
		s.unsubscribe = t.Subscribe(host, s.onChange)
	})
	s.unlisten = t.Listen(s.onEvent)
	log.Debug().Str("component", "domwatch").Str("host", host.Data).Msg("attached to widget host")
	return s, nil
}

func (o *Observer) retryDelay() time.Duration {
	switch {
	case o.RetryDelay <= 0:
		return DefaultRetryDelay
	case o.RetryDelay > maxRetryDelay:
		return maxRetryDelay
	}
	return o.RetryDelay
}

func (o *Observer) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Subscription is one attachment to a widget host. It owns the set of
// messages already emitted.
type Subscription struct {
	obs  *Observer
	host *html.Node

	mu   sync.Mutex
	seen map[string]struct{}

	unsubscribe func()
	unlisten    func()
	closeOnce   sync.Once
}

// Reset forgets emitted messages, for a new conversation thread.
func (s *Subscription) Reset() {
	s.mu.Lock()
	s.seen = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.unlisten()
	})
}

func (s *Subscription) onChange(changed []*html.Node) {
	for _, n := range changed {
		if msg := s.messageRoot(n); msg != nil {
			s.consider(msg)
			continue
		}
		s.scan(n)
	}
}

// messageRoot returns the outermost hinted ancestor-or-self of n below the host.
func (s *Subscription) messageRoot(n *html.Node) *html.Node {
	var top *html.Node
	for p := n; p != nil && p != s.host; p = p.Parent {
		if r, _ := ownRole(p); r != "" {
			top = p
		}
	}
	return top
}

// scan considers every outermost hinted element under n.
func (s *Subscription) scan(n *html.Node) {
	if n != s.host && n.Type == html.ElementNode {
		if r, _ := ownRole(n); r != "" {
			s.consider(n)
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.scan(c)
	}
}

func (s *Subscription) consider(n *html.Node) {
	if isComposerInput(n) {
		return
	}
	role := s.inferRole(n)
	if role == "" || s.busy(n) {
		return
	}
	text := textOf(n)
	if text == "" || !s.markSeen(role, text) {
		return
	}
	switch role {
	case RoleUser:
		s.obs.Turns.Begin(text, s.obs.now())
	case RoleAssistant:
		s.obs.Turns.Complete(text, map[string]string{record.MetaCapture: CaptureDOM})
	}
}

func (s *Subscription) markSeen(role, text string) bool {
	key := role + "\x00" + record.Truncate(text, seenPrefixRunes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *Subscription) busy(n *html.Node) bool {
	for p := n; p != nil && p != s.host; p = p.Parent {
		if v, _ := attr(p, "aria-busy"); v == "true" {
			return true
		}
	}
	return false
}

// inferRole applies each hint tier to n and its ancestors before moving to
// the next tier.
func (s *Subscription) inferRole(n *html.Node) string {
	for tier := tierMarker; tier <= tierAria; tier++ {
		for p := n; p != nil && p != s.host; p = p.Parent {
			if r := roleAt(p, tier); r != "" {
				return r
			}
		}
	}
	return ""
}

const (
	tierMarker = iota
	tierClass
	tierAria
)

var roleMarkers = []string{"data-role", "data-message-author-role", "data-author"}

// ownRole returns the strongest role hint carried by n itself.
func ownRole(n *html.Node) (string, int) {
	if n.Type != html.ElementNode {
		return "", -1
	}
	for tier := tierMarker; tier <= tierAria; tier++ {
		if r := roleAt(n, tier); r != "" {
			return r, tier
		}
	}
	return "", -1
}

func roleAt(n *html.Node, tier int) string {
	if n.Type != html.ElementNode {
		return ""
	}
	switch tier {
	case tierMarker:
		for _, key := range roleMarkers {
			if v, ok := attr(n, key); ok {
				return normaliseRole(v)
			}
		}
	case tierClass:
		v, _ := attr(n, "class")
		return hintedRole(v)
	case tierAria:
		v, _ := attr(n, "role")
		if r := hintedRole(v); r != "" {
			return r
		}
		v, _ = attr(n, "aria-label")
		return hintedRole(v)
	}
	return ""
}

func normaliseRole(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case RoleUser:
		return RoleUser
	case RoleAssistant:
		return RoleAssistant
	}
	return ""
}

// hintedRole looks for user or assistant in free text; both or neither is unknown.
func hintedRole(v string) string {
	v = strings.ToLower(v)
	user := strings.Contains(v, RoleUser)
	assistant := strings.Contains(v, RoleAssistant)
	switch {
	case user && !assistant:
		return RoleUser
	case assistant && !user:
		return RoleAssistant
	}
	return ""
}

func (s *Subscription) onEvent(ev Event) {
	if ev.Target == nil || !contains(s.host, ev.Target) {
		return
	}
	input, send := s.composer()
	if input == nil {
		return
	}
	switch ev.Type {
	case EventKeyDown:
		if ev.Key != "Enter" || ev.Shift || !contains(input, ev.Target) {
			return
		}
	case EventClick:
		if send == nil || !contains(send, ev.Target) {
			return
		}
	default:
		return
	}
	text := inputValue(input)
	if text == "" {
		return
	}
	// the rendered copy of this utterance must not begin the turn again
	s.markSeen(RoleUser, text)
	s.obs.Turns.Begin(text, s.obs.now())
}

// composer finds the message input and send affordance under the host.
func (s *Subscription) composer() (input, send *html.Node) {
	input = find(s.host, isComposerInput)
	send = find(s.host, isSendButton)
	return input, send
}

func isComposerInput(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Textarea:
		return true
	case atom.Input:
		typ, _ := attr(n, "type")
		return typ == "" || strings.EqualFold(typ, "text")
	}
	v, ok := attr(n, "contenteditable")
	return ok && !strings.EqualFold(v, "false")
}

func isSendButton(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom != atom.Button {
		return false
	}
	if typ, _ := attr(n, "type"); strings.EqualFold(typ, "submit") {
		return true
	}
	label, _ := attr(n, "aria-label")
	return strings.Contains(strings.ToLower(label+" "+textOf(n)), "send")
}

func inputValue(n *html.Node) string {
	if n.DataAtom == atom.Input {
		v, _ := attr(n, "value")
		return strings.TrimSpace(v)
	}
	return textOf(n)
}
