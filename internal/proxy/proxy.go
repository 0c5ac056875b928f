// Package proxy is a single-session capture proxy placed in front of a chat
// backend. Chat calls crossing it are observed by the transport interceptor,
// and HTML pages under a configured path feed the DOM observer.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chatlog/internal/domwatch"
	"chatlog/internal/intercept"
)

const maxHTMLFeed = 2 << 20

// Session is the correlator side the proxy needs beyond the interceptor.
type Session interface {
	SetUserAgent(ua string)
	OnThreadChange(fn func())
}

type Options struct {
	Upstream    *url.URL
	Interceptor *intercept.Interceptor
	// Transport is the base transport to the upstream; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Session   Session

	// DOMPath enables DOM capture for HTML responses under this path prefix.
	DOMPath  string
	Observer *domwatch.Observer
}

type Proxy struct {
	rp      *httputil.ReverseProxy
	session Session

	domPath  string
	observer *domwatch.Observer
	tree     *domwatch.Tree

	ctx    context.Context
	cancel context.CancelFunc
	feeds  sync.WaitGroup

	attachMu sync.Mutex
	sub      *domwatch.Subscription
}

func New(opts Options) (*Proxy, error) {
	if opts.Upstream == nil {
		return nil, errors.New("proxy: upstream URL is required")
	}
	if opts.Interceptor == nil {
		return nil, errors.New("proxy: interceptor is required")
	}
	if opts.DOMPath != "" && opts.Observer == nil {
		return nil, errors.New("proxy: DOM capture needs an observer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		session:  opts.Session,
		domPath:  opts.DOMPath,
		observer: opts.Observer,
		tree:     domwatch.NewTree(),
		ctx:      ctx,
		cancel:   cancel,
	}

	rp := httputil.NewSingleHostReverseProxy(opts.Upstream)
	director := rp.Director
	rp.Director = func(r *http.Request) {
		director(r)
		r.Host = opts.Upstream.Host
	}
	rp.Transport = opts.Interceptor.RoundTripper(opts.Transport)
	rp.ModifyResponse = p.modifyResponse
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("component", "proxy").Str("path", r.URL.Path).Msg("upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}
	p.rp = rp
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.session != nil {
		p.session.SetUserAgent(r.UserAgent())
	}
	p.rp.ServeHTTP(w, r)
}

// Tree exposes the DOM capture tree.
func (p *Proxy) Tree() *domwatch.Tree { return p.tree }

// Run serves on addr until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           p,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		p.Close()
		return err
	})
	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("starting capture proxy")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	return eg.Wait()
}

// Close stops DOM capture. Feeds already running are waited for.
func (p *Proxy) Close() {
	p.cancel()
	p.feeds.Wait()
	p.attachMu.Lock()
	defer p.attachMu.Unlock()
	if p.sub != nil {
		p.sub.Close()
		p.sub = nil
	}
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if !p.feedsDOM(resp) {
		return nil
	}
	resp.Body = &htmlTap{rc: resp.Body, done: p.feedAsync}
	return nil
}

func (p *Proxy) feedsDOM(resp *http.Response) bool {
	if p.domPath == "" || resp.Request == nil || resp.Body == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	if !strings.HasPrefix(resp.Request.URL.Path, p.domPath) {
		return false
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
}

// feedAsync hands a fully read HTML body to the DOM tree off the response path.
func (p *Proxy) feedAsync(page []byte) {
	if p.ctx.Err() != nil {
		return
	}
	p.feeds.Add(1)
	go func() {
		defer p.feeds.Done()
		p.feed(page)
	}()
}

func (p *Proxy) feed(page []byte) {
	host := p.tree.Find(p.matcher())
	if err := domwatch.FeedHTML(p.tree, host, bytes.NewReader(page)); err != nil {
		log.Debug().Err(err).Str("component", "proxy").Msg("html feed failed")
		return
	}
	p.attachMu.Lock()
	defer p.attachMu.Unlock()
	if p.sub != nil || p.ctx.Err() != nil {
		return
	}
	sub, err := p.observer.Attach(p.ctx, p.tree)
	if err != nil {
		log.Debug().Err(err).Str("component", "proxy").Msg("dom observer not attached")
		return
	}
	p.sub = sub
	if p.session != nil {
		p.session.OnThreadChange(sub.Reset)
	}
}

func (p *Proxy) matcher() domwatch.Matcher {
	if p.observer != nil && p.observer.Matcher != nil {
		return p.observer.Matcher
	}
	return domwatch.DefaultMatcher
}

// htmlTap copies what the client reads and passes the page on at EOF.
type htmlTap struct {
	rc       io.ReadCloser
	buf      bytes.Buffer
	overflow bool
	fed      bool
	done     func([]byte)
}

func (t *htmlTap) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && !t.overflow {
		if t.buf.Len()+n > maxHTMLFeed {
			t.overflow = true
			t.buf.Reset()
		} else {
			t.buf.Write(p[:n])
		}
	}
	if err == io.EOF {
		t.finish()
	}
	return n, err
}

func (t *htmlTap) Close() error {
	return t.rc.Close()
}

func (t *htmlTap) finish() {
	if t.fed || t.overflow {
		return
	}
	t.fed = true
	t.done(append([]byte(nil), t.buf.Bytes()...))
}
