package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlog/internal/auth"
	"chatlog/internal/compaction"
	"chatlog/internal/logwriter"
	"chatlog/internal/record"
	"chatlog/internal/storage"
)

var serverNow = time.Date(2024, 6, 1, 12, 30, 45, 123*int(time.Millisecond), time.UTC)

// countingStore records every storage call.
type countingStore struct {
	storage.Store
	calls atomic.Int32
}

func (c *countingStore) List(ctx context.Context, prefix string) ([]storage.Object, error) {
	c.calls.Add(1)
	return c.Store.List(ctx, prefix)
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.calls.Add(1)
	return c.Store.Get(ctx, key)
}

func (c *countingStore) Exists(ctx context.Context, key string) (bool, error) {
	c.calls.Add(1)
	return c.Store.Exists(ctx, key)
}

func (c *countingStore) Put(ctx context.Context, key string, data []byte, ct string) (storage.Object, error) {
	c.calls.Add(1)
	return c.Store.Put(ctx, key, data, ct)
}

func (c *countingStore) Delete(ctx context.Context, key string) error {
	c.calls.Add(1)
	return c.Store.Delete(ctx, key)
}

func newTestServer(t *testing.T) (*Server, *countingStore) {
	t.Helper()
	st := &countingStore{Store: storage.NewMemoryStore("http://localhost:8080")}
	clock := func() time.Time { return serverNow }
	srv, err := New(Options{
		Store:     st,
		Writer:    logwriter.New(st, clock),
		Compactor: compaction.New(st, 0, clock),
		Auth:      auth.New("cron-secret", "admin-key"),
		Now:       clock,
	})
	require.NoError(t, err)
	return srv, st
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestLogEventTurn(t *testing.T) {
	srv, st := newTestServer(t)
	body := `{"type":"turn","id":"t-1","user_text":"hello","user_ts":"2024-06-01T12:30:40.000Z","assistant_text":"hi there","assistant_ts":"2024-06-01T12:30:44.000Z","meta":{"path":"/","capture":"fetch"}}`
	w := do(t, srv.Handler(), http.MethodPost, "/api/log-event", body, map[string]string{"User-Agent": "widget-test/1.0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		OK  bool   `json:"ok"`
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "logs/2024-06-01/12-30-45-123.turn.json", resp.Key)

	data, err := st.Get(context.Background(), resp.Key)
	require.NoError(t, err)
	var got record.Turn
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hello", got.UserText)
	assert.Equal(t, "hi there", got.AssistantText)
	assert.Equal(t, "widget-test/1.0", got.UserAgent)
	assert.Equal(t, "fetch", got.Meta["capture"])
}

func TestLogEventLegacy(t *testing.T) {
	srv, st := newTestServer(t)
	body := `{"role":"user","text":"héllo","sessionId":"s-1","threadId":null,"meta":{"path":"/chat","n":3,"nested":{"x":1}},"ts":"1999-01-01T00:00:00.000Z","len":99}`
	w := do(t, srv.Handler(), http.MethodPost, "/api/log-event", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data, err := st.Get(context.Background(), "logs/2024-06-01/12-30-45-123.json")
	require.NoError(t, err)
	var got record.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "user", got.Role)
	assert.Equal(t, 5, got.Len)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, "2024-06-01T12:30:45.123Z", got.TS)
	assert.Equal(t, "/chat", got.Meta["path"])
	assert.NotContains(t, got.Meta, "nested")
}

func TestLogEventCapsFields(t *testing.T) {
	srv, st := newTestServer(t)
	body := `{"role":"` + strings.Repeat("r", 50) + `","text":"` + strings.Repeat("x", 10000) + `"}`
	w := do(t, srv.Handler(), http.MethodPost, "/api/log-event", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	data, err := st.Get(context.Background(), "logs/2024-06-01/12-30-45-123.json")
	require.NoError(t, err)
	var got record.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got.Text, 4000)
	assert.Len(t, got.Role, 20)
	assert.Equal(t, 10000, got.Len)
}

func TestLogEventRejectsBadInput(t *testing.T) {
	srv, st := newTestServer(t)
	cases := map[string]string{
		"not json":          `{"type":`,
		"array":             `[1,2]`,
		"no text":           `{"role":"user"}`,
		"turn meta object":  `{"type":"turn","meta":{"a":{"b":1}}}`,
		"text not a string": `{"text":42}`,
		"too large":         `{"text":"` + strings.Repeat("a", 70<<10) + `"}`,
	}
	for name, body := range cases {
		w := do(t, srv.Handler(), http.MethodPost, "/api/log-event", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.JSONEq(t, `{"ok":false,"error":"invalid payload"}`, w.Body.String(), name)
	}
	assert.Equal(t, 0, st.Store.(*storage.MemoryStore).Len())

	w := do(t, srv.Handler(), http.MethodGet, "/api/log-event", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCompactForbiddenTouchesNoStorage(t *testing.T) {
	srv, st := newTestServer(t)
	for _, hdr := range []map[string]string{nil, {"Authorization": "Bearer wrong"}, {"Authorization": "admin-key"}} {
		w := do(t, srv.Handler(), http.MethodGet, "/api/admin/compact?key=nope&day=2024-05-31", "", hdr)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Forbidden\n", w.Body.String())
	}
	assert.Equal(t, int32(0), st.calls.Load())
}

func TestCompactEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	for key, b := range map[string]string{
		"logs/2024-05-31/10-00-00-000.json":      `{"text":"one"}`,
		"logs/2024-05-31/10-00-01-000.turn.json": `{"type":"turn","assistant_text":"two"}`,
	} {
		_, err := st.Put(context.Background(), key, []byte(b), storage.ContentTypeJSON)
		require.NoError(t, err)
	}

	w := do(t, srv.Handler(), http.MethodGet, "/api/admin/compact", "", map[string]string{"Authorization": "Bearer cron-secret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, "2024-05-31", res["day"])
	assert.Equal(t, "logs/2024-05-31.ndjson", res["outKey"])
	assert.Equal(t, true, res["written"])
	assert.Equal(t, float64(2), res["events"])
	assert.Equal(t, float64(2), res["deleted"])

	w = do(t, srv.Handler(), http.MethodGet, "/api/admin/compact?key=admin-key&day=2024-05-31", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, false, res["written"])
	assert.Equal(t, float64(0), res["deleted"])
	assert.NotContains(t, res, "events")

	w = do(t, srv.Handler(), http.MethodGet, "/api/admin/compact?key=admin-key&day=2024-05-31&force=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res = map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "empty", res["skipped"])

	w = do(t, srv.Handler(), http.MethodGet, "/api/admin/compact?key=admin-key&day=31-05-2024", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublicLogRead(t *testing.T) {
	srv, st := newTestServer(t)
	_, err := st.Put(context.Background(), "logs/2024-05-31.ndjson", []byte("{\"a\":1}\n"), storage.ContentTypeNDJSON)
	require.NoError(t, err)

	w := do(t, srv.Handler(), http.MethodGet, "/logs/2024-05-31.ndjson", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.ContentTypeNDJSON, w.Header().Get("Content-Type"))
	assert.Equal(t, "{\"a\":1}\n", w.Body.String())

	w = do(t, srv.Handler(), http.MethodGet, "/logs/2024-01-01.ndjson", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(t, srv.Handler(), http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.server.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
