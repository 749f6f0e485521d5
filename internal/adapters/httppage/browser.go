// Package httppage implements the browser capability over plain HTTP. Pages
// hold the fetched main document; no scripts run, so every wait condition is
// satisfied once the body has been read.
package httppage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"govcheck/internal/ports"
)

const (
	DefaultUserAgent = "govcheck/1.0 (+compliance audit)"
	DefaultMaxBytes  = 5 << 20
	maxRedirects     = 5
)

var ErrPageClosed = errors.New("page is closed")

// DesktopViewport is the viewport every new page starts with.
var DesktopViewport = ports.Viewport{Width: 1366, Height: 768}

// Browser shares one http.Client across pages. Each page keeps its own document.
type Browser struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

type Options struct {
	UserAgent string
	MaxBytes  int64
	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

func New(opts Options) *Browser {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	transport := opts.Transport
	if transport == nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Browser{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (max %d)", maxRedirects)
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
	}
}

func (b *Browser) NewPage(ctx context.Context) (ports.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Page{browser: b, viewport: DesktopViewport}, nil
}

// Page is one fetched document.
type Page struct {
	browser *Browser

	mu        sync.Mutex
	url       string
	resp      *ports.Response
	content   string
	truncated bool
	viewport  ports.Viewport
	closed    bool
}

// Navigate fetches url. The overall deadline is opts.Timeout or the context
// deadline, whichever is sooner.
func (p *Page) Navigate(ctx context.Context, url string, opts ports.NavigateOptions) (*ports.Response, error) {
	if p.isClosed() {
		return nil, ErrPageClosed
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.browser.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "es,en;q=0.5")

	resp, err := p.browser.client.Do(req)
	if err != nil {
		if emptyResponse(err) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.browser.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	truncated := int64(len(body)) > p.browser.maxBytes
	if truncated {
		body = body[:p.browser.maxBytes]
	}

	out := &ports.Response{URL: resp.Request.URL.String(), Status: resp.StatusCode, Header: resp.Header.Clone()}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = out.URL
	p.resp = out
	p.content = string(body)
	p.truncated = truncated
	return out, nil
}

// emptyResponse reports a server that closed the connection without answering.
func emptyResponse(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (p *Page) Response() *ports.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrPageClosed
	}
	return p.content, nil
}

// Truncated reports whether the document exceeded the size limit.
func (p *Page) Truncated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.truncated
}

func (p *Page) Viewport() ports.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

func (p *Page) SetViewport(ctx context.Context, vp ports.Viewport) error {
	if vp.Width <= 0 || vp.Height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", vp.Width, vp.Height)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPageClosed
	}
	p.viewport = vp
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.content = ""
	return nil
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
