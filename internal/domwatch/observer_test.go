package domwatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"chatlog/internal/record"
)

type fakeTurns struct {
	mu      sync.Mutex
	begins  []string
	replies []string
}

func (f *fakeTurns) Begin(text string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins = append(f.begins, text)
}

func (f *fakeTurns) Complete(text string, meta map[string]string) (record.Turn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta[record.MetaCapture] != CaptureDOM {
		panic("unexpected capture tag " + meta[record.MetaCapture])
	}
	f.replies = append(f.replies, text)
	return record.Turn{}, true
}

func (f *fakeTurns) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.begins...), append([]string(nil), f.replies...)
}

const page = `<html><body>
<openai-chatkit>
  <div class="thread" id="thread">
    <div data-message-author-role="user" id="u1"><p>hello</p></div>
    <div data-message-author-role="assistant" id="a1"><p>hi</p> <p>there</p></div>
  </div>
  <form><textarea id="composer">typed   message</textarea><button aria-label="Send" id="send"><svg></svg></button></form>
</openai-chatkit>
</body></html>`

func parse(t *testing.T, doc string) *Tree {
	t.Helper()
	tree, err := ParseTree(strings.NewReader(doc))
	require.NoError(t, err)
	return tree
}

func byID(tree *Tree, id string) *html.Node {
	return tree.Find(func(n *html.Node) bool {
		v, ok := attr(n, "id")
		return ok && v == id
	})
}

func attach(t *testing.T, tree *Tree, turns *fakeTurns) *Subscription {
	t.Helper()
	sub, err := (&Observer{Turns: turns, RetryDelay: 10 * time.Millisecond}).Attach(context.Background(), tree)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func TestInitialScan(t *testing.T) {
	tree := parse(t, page)
	turns := &fakeTurns{}
	attach(t, tree, turns)

	begins, replies := turns.snapshot()
	assert.Equal(t, []string{"hello"}, begins)
	assert.Equal(t, []string{"hi there"}, replies)
}

func TestRerenderIsDeduplicated(t *testing.T) {
	tree := parse(t, page)
	turns := &fakeTurns{}
	attach(t, tree, turns)

	a1 := byID(tree, "a1")
	tree.Batch(func(m *Mutator) { m.SetAttr(a1, "data-rendered", "2") })
	thread := byID(tree, "thread")
	require.NoError(t, FeedHTML(tree, thread, strings.NewReader(`<div data-role="assistant">hi   there</div>`)))

	_, replies := turns.snapshot()
	assert.Equal(t, []string{"hi there"}, replies)

	require.NoError(t, FeedHTML(tree, thread, strings.NewReader(`<div data-role="assistant"><span>a new reply</span></div>`)))
	_, replies = turns.snapshot()
	assert.Equal(t, []string{"hi there", "a new reply"}, replies)
}

func TestRolePrecedence(t *testing.T) {
	tree := parse(t, `<body><div data-chat-widget>
		<div data-role="assistant" class="user-bubble">marker wins</div>
		<div class="msg msg--user">class hint</div>
		<div aria-label="Assistant message">label hint</div>
		<div class="bubble">no role</div>
		<div data-author="assistant"><span class="user-name">nested</span> text</div>
	</div></body>`)
	turns := &fakeTurns{}
	attach(t, tree, turns)

	begins, replies := turns.snapshot()
	assert.Equal(t, []string{"class hint"}, begins)
	assert.Equal(t, []string{"marker wins", "label hint", "nested text"}, replies)
}

func TestBusyNodeWaitsUntilSettled(t *testing.T) {
	tree := parse(t, `<body><openai-chatkit><div id="t"></div></openai-chatkit></body>`)
	turns := &fakeTurns{}
	attach(t, tree, turns)

	require.NoError(t, FeedHTML(tree, byID(tree, "t"), strings.NewReader(`<div id="m" data-role="assistant" aria-busy="true">Hel</div>`)))
	_, replies := turns.snapshot()
	assert.Empty(t, replies)

	m := byID(tree, "m")
	tree.Batch(func(mu *Mutator) { mu.SetText(m, "Hello") })
	tree.Batch(func(mu *Mutator) { mu.RemoveAttr(m, "aria-busy") })
	_, replies = turns.snapshot()
	assert.Equal(t, []string{"Hello"}, replies)
}

func TestComposerCapturesOnSubmit(t *testing.T) {
	tree := parse(t, page)
	turns := &fakeTurns{}
	attach(t, tree, turns)

	composer := byID(tree, "composer")
	tree.Dispatch(Event{Type: EventKeyDown, Target: composer, Key: "Enter", Shift: true})
	tree.Dispatch(Event{Type: EventKeyDown, Target: composer, Key: "a"})
	begins, _ := turns.snapshot()
	assert.Equal(t, []string{"hello"}, begins)

	tree.Dispatch(Event{Type: EventKeyDown, Target: composer, Key: "Enter"})
	begins, _ = turns.snapshot()
	assert.Equal(t, []string{"hello", "typed message"}, begins)

	send := byID(tree, "send")
	tree.Dispatch(Event{Type: EventClick, Target: send.FirstChild})
	begins, _ = turns.snapshot()
	assert.Len(t, begins, 3)

	// the rendered copy of a submitted message does not begin again
	require.NoError(t, FeedHTML(tree, byID(tree, "thread"), strings.NewReader(`<div data-role="user">typed message</div>`)))
	begins, _ = turns.snapshot()
	assert.Len(t, begins, 3)
}

func TestResetAndClose(t *testing.T) {
	tree := parse(t, page)
	turns := &fakeTurns{}
	sub := attach(t, tree, turns)
	thread := byID(tree, "thread")

	sub.Reset()
	require.NoError(t, FeedHTML(tree, thread, strings.NewReader(`<div data-role="assistant">hi there</div>`)))
	_, replies := turns.snapshot()
	assert.Equal(t, []string{"hi there", "hi there"}, replies)

	sub.Close()
	sub.Close()
	require.NoError(t, FeedHTML(tree, thread, strings.NewReader(`<div data-role="assistant">after close</div>`)))
	_, replies = turns.snapshot()
	assert.Len(t, replies, 2)
}

func TestAttachRetriesOnce(t *testing.T) {
	tree := NewTree()
	turns := &fakeTurns{}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = FeedHTML(tree, nil, strings.NewReader(`<openai-chatkit><div data-role="assistant">late widget</div></openai-chatkit>`))
	}()

	sub, err := (&Observer{Turns: turns, RetryDelay: 500 * time.Millisecond}).Attach(context.Background(), tree)
	require.NoError(t, err)
	defer sub.Close()
	_, replies := turns.snapshot()
	assert.Equal(t, []string{"late widget"}, replies)
}

func TestAttachFailsWithoutHost(t *testing.T) {
	tree := parse(t, `<body><div>no widget here</div></body>`)
	_, err := (&Observer{Turns: &fakeTurns{}, RetryDelay: 5 * time.Millisecond}).Attach(context.Background(), tree)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostNotFound))
	var ae *AttachError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 5*time.Millisecond, ae.Waited)
}
