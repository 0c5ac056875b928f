package intercept

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"chatlog/internal/extract"
)

// Socket is the subset of a websocket connection the interceptor wraps.
// *websocket.Conn satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type SocketDialer interface {
	Dial(ctx context.Context, urlStr string, header http.Header) (Socket, *http.Response, error)
}

// GorillaDialer adapts a gorilla websocket.Dialer. A nil Dialer uses
// websocket.DefaultDialer.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

func (d GorillaDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Socket, *http.Response, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// SocketDialer wraps base so that every socket it opens is observed.
func (i *Interceptor) SocketDialer(base SocketDialer) SocketDialer {
	if sd, ok := base.(*socketDialer); ok && sd.ic == i {
		return sd
	}
	return &socketDialer{base: base, ic: i}
}

type socketDialer struct {
	base SocketDialer
	ic   *Interceptor
}

func (d *socketDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Socket, *http.Response, error) {
	s, resp, err := d.base.Dial(ctx, urlStr, header)
	if err != nil || s == nil || d.ic.excl.ExcludedString(urlStr) {
		return s, resp, err
	}
	return d.ic.WrapSocket(s), resp, nil
}

// WrapSocket observes an already open socket.
func (i *Interceptor) WrapSocket(s Socket) Socket {
	return &socketTap{Socket: s, ic: i}
}

type socketTap struct {
	Socket
	ic *Interceptor

	mu  sync.Mutex
	acc strings.Builder
}

type socketFrame struct {
	Type       string          `json:"type"`
	Done       bool            `json:"done"`
	OutputText json.RawMessage `json:"output_text"`
}

func (s *socketTap) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage && int64(len(data)) <= s.ic.maxBody {
		s.ic.observeRequest(data, CaptureWebsocket)
	}
	return s.Socket.WriteMessage(messageType, data)
}

func (s *socketTap) ReadMessage() (int, []byte, error) {
	mt, p, err := s.Socket.ReadMessage()
	if err != nil {
		s.flush()
		return mt, p, err
	}
	if mt == websocket.TextMessage {
		s.observeFrame(p)
	}
	return mt, p, err
}

func (s *socketTap) Close() error {
	s.flush()
	return s.Socket.Close()
}

func (s *socketTap) observeFrame(p []byte) {
	defer s.ic.recoverCapture(CaptureWebsocket)
	var f socketFrame
	if err := json.Unmarshal(p, &f); err != nil {
		return
	}
	if len(f.OutputText) > 0 && string(f.OutputText) != "null" {
		// a full reply supersedes any accumulated deltas
		s.take()
		s.ic.observeReply(extract.Fragment(p), CaptureWebsocket)
		return
	}
	if frag := extract.Fragment(p); frag != "" {
		s.mu.Lock()
		s.acc.WriteString(frag)
		s.mu.Unlock()
	}
	if f.Done || strings.HasSuffix(f.Type, ".done") || strings.HasSuffix(f.Type, ".completed") {
		s.flush()
	}
}

func (s *socketTap) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.acc.String()
	s.acc.Reset()
	return text
}

func (s *socketTap) flush() {
	s.ic.observeReply(s.take(), CaptureWebsocket)
}
