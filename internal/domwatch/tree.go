// Package domwatch captures chat turns from a rendered widget by watching
// mutations of an HTML node tree.
package domwatch

import (
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tree is an HTML document whose mutations go through Batch, so that
// subscribers see every change. Batches, Dispatch and Read are serialised;
// callbacks run synchronously on the calling goroutine and must not call
// back into Batch, Dispatch, Read or Find.
type Tree struct {
	mu   sync.Mutex
	root *html.Node

	subMu     sync.Mutex
	nextID    int
	subs      map[int]subscriber
	listeners map[int]func(Event)
}

type subscriber struct {
	root *html.Node
	fn   func(changed []*html.Node)
}

func NewTree() *Tree {
	return newTree(&html.Node{Type: html.DocumentNode})
}

// ParseTree builds a tree from a full HTML document.
func ParseTree(r io.Reader) (*Tree, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}
	return newTree(doc), nil
}

func newTree(root *html.Node) *Tree {
	return &Tree{root: root, subs: make(map[int]subscriber), listeners: make(map[int]func(Event))}
}

func (t *Tree) Root() *html.Node { return t.root }

// Read runs fn with mutations held off.
func (t *Tree) Read(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// Find returns the first node in document order matching match.
func (t *Tree) Find(match func(*html.Node) bool) *html.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return find(t.root, match)
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

// Mutator applies changes inside a Batch and records the touched nodes.
type Mutator struct {
	changed []*html.Node
}

func (m *Mutator) AppendChild(parent, child *html.Node) {
	parent.AppendChild(child)
	m.changed = append(m.changed, child)
}

func (m *Mutator) RemoveChild(parent, child *html.Node) {
	parent.RemoveChild(child)
	m.changed = append(m.changed, parent)
}

func (m *Mutator) SetAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			m.changed = append(m.changed, n)
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	m.changed = append(m.changed, n)
}

func (m *Mutator) RemoveAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
	m.changed = append(m.changed, n)
}

// SetText replaces the children of n with a single text node.
func (m *Mutator) SetText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	m.changed = append(m.changed, n)
}

// Batch applies fn and then delivers the changed nodes to each subscriber
// whose root contains them.
func (t *Tree) Batch(fn func(m *Mutator)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := &Mutator{}
	fn(m)
	if len(m.changed) == 0 {
		return
	}
	for _, s := range t.subscribers() {
		var mine []*html.Node
		for _, n := range m.changed {
			if contains(s.root, n) {
				mine = append(mine, n)
			}
		}
		if len(mine) > 0 {
			s.fn(mine)
		}
	}
}

func (t *Tree) subscribers() []subscriber {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	out := make([]subscriber, 0, len(t.subs))
	for id := 0; id < t.nextID; id++ {
		if s, ok := t.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Subscribe delivers every batch touching root's subtree to fn.
func (t *Tree) Subscribe(root *html.Node, fn func(changed []*html.Node)) (unsubscribe func()) {
	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = subscriber{root: root, fn: fn}
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

const (
	EventKeyDown = "keydown"
	EventClick   = "click"
)

// Event is a UI event on a node of the tree.
type Event struct {
	Type   string
	Target *html.Node
	Key    string
	Shift  bool
}

func (t *Tree) Listen(fn func(Event)) (unlisten func()) {
	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.listeners, id)
		t.subMu.Unlock()
	}
}

func (t *Tree) Dispatch(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subMu.Lock()
	fns := make([]func(Event), 0, len(t.listeners))
	for id := 0; id < t.nextID; id++ {
		if fn, ok := t.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	t.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// FeedHTML parses an HTML fragment and appends it under host in one batch.
// A nil host appends under the document root.
func FeedHTML(t *Tree, host *html.Node, r io.Reader) error {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(r, ctx)
	if err != nil {
		return errors.Wrap(err, "parse fragment")
	}
	if host == nil {
		host = t.root
	}
	t.Batch(func(m *Mutator) {
		for _, n := range nodes {
			m.AppendChild(host, n)
		}
	})
	return nil
}

func contains(root, n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// textOf returns the whitespace-normalised text content of n.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
