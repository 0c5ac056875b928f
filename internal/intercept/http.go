package intercept

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"chatlog/internal/extract"
	"chatlog/internal/sse"
)

// RoundTripper wraps base so that chat calls made through it are observed.
func (i *Interceptor) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if rt, ok := base.(*roundTripper); ok && rt.ic == i {
		return rt
	}
	return &roundTripper{base: base, ic: i}
}

type roundTripper struct {
	base http.RoundTripper
	ic   *Interceptor
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !rt.ic.shouldInspect(req) {
		return rt.base.RoundTrip(req)
	}
	req = rt.ic.captureRequest(req)
	resp, err := rt.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if !tappable(resp) {
		return resp, nil
	}
	resp.Body = rt.ic.tapResponse(resp)
	return resp, nil
}

func (i *Interceptor) shouldInspect(req *http.Request) bool {
	if req == nil || !inspectable(req.Method) {
		return false
	}
	if req.Header.Get("Upgrade") != "" {
		return false
	}
	return !i.excl.Excluded(req.URL)
}

func tappable(resp *http.Response) bool {
	if resp.StatusCode == http.StatusSwitchingProtocols {
		return false
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	// a body the transport did not decompress cannot be read as text
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return false
	}
	return true
}

// captureRequest reads the user side of req. The returned request carries an
// equivalent body; bodies above the size bound stream through uninspected.
func (i *Interceptor) captureRequest(req *http.Request) *http.Request {
	if req.Body == nil || req.Body == http.NoBody {
		return req
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return req
		}
		body, err := io.ReadAll(io.LimitReader(rc, i.maxBody+1))
		_ = rc.Close()
		if err == nil && int64(len(body)) <= i.maxBody {
			i.observeRequest(body, CaptureFetch)
		}
		return req
	}
	if req.ContentLength > i.maxBody {
		return req
	}

	buf, err := io.ReadAll(io.LimitReader(req.Body, i.maxBody+1))
	clone := req.Clone(req.Context())
	if err != nil || int64(len(buf)) > i.maxBody {
		// hand the already consumed prefix back in front of the rest
		clone.Body = readCloser{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
		return clone
	}
	_ = req.Body.Close()
	clone.Body = io.NopCloser(bytes.NewReader(buf))
	clone.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
	clone.ContentLength = int64(len(buf))
	i.observeRequest(buf, CaptureFetch)
	return clone
}

type readCloser struct {
	io.Reader
	io.Closer
}

// tapResponse wraps the response body so the reply is assembled while the
// caller reads it. Nothing is read ahead of the caller.
func (i *Interceptor) tapResponse(resp *http.Response) io.ReadCloser {
	t := &bodyTap{rc: resp.Body, ic: i}
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		t.stream = sse.NewDecoder()
	} else {
		t.limit = i.maxBody
	}
	return t
}

type bodyTap struct {
	rc io.ReadCloser
	ic *Interceptor

	stream   *sse.Decoder
	buf      bytes.Buffer
	limit    int64
	overflow bool
	failed   bool
	once     sync.Once
}

func (t *bodyTap) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.record(p[:n])
	}
	switch {
	case err == io.EOF:
		t.finish()
	case err != nil:
		t.failed = true
	}
	return n, err
}

func (t *bodyTap) Close() error {
	err := t.rc.Close()
	t.finish()
	return err
}

func (t *bodyTap) record(chunk []byte) {
	defer t.ic.recoverCapture(CaptureFetch)
	if t.stream != nil {
		_, _ = t.stream.Write(chunk)
		return
	}
	if t.overflow {
		return
	}
	if int64(t.buf.Len()+len(chunk)) > t.limit {
		t.overflow = true
		t.buf.Reset()
		return
	}
	t.buf.Write(chunk)
}

func (t *bodyTap) finish() {
	t.once.Do(func() {
		if t.failed {
			log.Debug().Str("component", "intercept").Msg("response read failed, reply not captured")
			return
		}
		if t.stream != nil {
			t.ic.observeReply(t.stream.Finish(), CaptureFetchStream)
			return
		}
		if t.overflow {
			return
		}
		t.ic.observeReply(extract.ResponseText(t.buf.Bytes()), CaptureFetch)
	})
}
