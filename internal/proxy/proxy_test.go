package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlog/internal/domwatch"
	"chatlog/internal/intercept"
	"chatlog/internal/record"
	"chatlog/internal/turn"
)

type collector struct {
	mu    sync.Mutex
	turns []record.Turn
}

func (c *collector) Emit(_ context.Context, t record.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
	return nil
}

func (c *collector) all() []record.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record.Turn(nil), c.turns...)
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/responses", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output_text":"proxied reply"}`))
	})
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<!doctype html><html><body><openai-chatkit>
			<div data-role="user">rendered question</div>
			<div data-role="assistant">rendered answer</div>
		</openai-chatkit></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newProxy(t *testing.T, domPath string) (*Proxy, *collector) {
	t.Helper()
	up := upstream(t)
	target, err := url.Parse(up.URL)
	require.NoError(t, err)

	sink := &collector{}
	corr := turn.NewCorrelator(sink, turn.Options{PagePath: "/chat/"})
	p, err := New(Options{
		Upstream:    target,
		Interceptor: intercept.New(corr, intercept.Options{}),
		Session:     corr,
		DOMPath:     domPath,
		Observer:    &domwatch.Observer{Turns: corr, RetryDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, sink
}

func TestProxyCapturesChatCall(t *testing.T) {
	p, sink := newProxy(t, "")
	front := httptest.NewServer(p)
	defer front.Close()

	req, err := http.NewRequest(http.MethodPost, front.URL+"/v1/responses", strings.NewReader(`{"input":"via proxy"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "browser/1.0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, `{"output_text":"proxied reply"}`, string(body))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := sink.all()[0]
	assert.Equal(t, "via proxy", got.UserText)
	assert.Equal(t, "proxied reply", got.AssistantText)
	assert.Equal(t, intercept.CaptureFetch, got.Meta[record.MetaCapture])
	assert.Equal(t, "/chat/", got.Meta[record.MetaPath])
	assert.Equal(t, "browser/1.0", got.UserAgent)
}

func TestProxyFeedsDOM(t *testing.T) {
	p, sink := newProxy(t, "/chat/")
	front := httptest.NewServer(p)
	defer front.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(front.URL + "/chat/")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Contains(t, string(body), "rendered answer")
	}

	require.Eventually(t, func() bool { return len(sink.all()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	turns := sink.all()
	// the reloaded page shows the same messages, which the observer has already seen
	require.Len(t, turns, 1)
	assert.Equal(t, "rendered question", turns[0].UserText)
	assert.Equal(t, "rendered answer", turns[0].AssistantText)
	assert.Equal(t, domwatch.CaptureDOM, turns[0].Meta[record.MetaCapture])
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	u, _ := url.Parse("http://localhost:1")
	_, err = New(Options{Upstream: u})
	require.Error(t, err)
	_, err = New(Options{Upstream: u, Interceptor: intercept.New(turn.NewCorrelator(nil, turn.Options{}), intercept.Options{}), DOMPath: "/"})
	require.Error(t, err)
}
