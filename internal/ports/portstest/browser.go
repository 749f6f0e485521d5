// Package portstest provides in-memory Browser and Page implementations for tests.
package portstest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"govcheck/internal/ports"
)

var ErrClosed = errors.New("page closed")

// Page serves fixed content and records what was done to it.
type Page struct {
	HTML   string
	Status int
	Header http.Header

	NavErr      error
	NoResponse  bool
	NavDelay    time.Duration
	ContentErr  error
	ViewportErr error

	mu        sync.Mutex
	url       string
	resp      *ports.Response
	viewport  ports.Viewport
	viewports []ports.Viewport
	closes    int
	opts      ports.NavigateOptions
}

func (p *Page) Navigate(ctx context.Context, url string, opts ports.NavigateOptions) (*ports.Response, error) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
	if p.NavDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.NavDelay):
		}
	}
	if p.NavErr != nil {
		return nil, p.NavErr
	}
	if p.NoResponse {
		return nil, nil
	}
	status := p.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := p.Header
	if header == nil {
		header = http.Header{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.resp = &ports.Response{URL: url, Status: status, Header: header}
	return p.resp, nil
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
	if p.ContentErr != nil {
		return "", p.ContentErr
	}
	if p.Closes() > 0 {
		return "", ErrClosed
	}
	return p.HTML, nil
}

func (p *Page) Viewport() ports.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

func (p *Page) SetViewport(ctx context.Context, vp ports.Viewport) error {
	if p.ViewportErr != nil {
		return p.ViewportErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = vp
	p.viewports = append(p.viewports, vp)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// Closes reports how many times Close was called.
func (p *Page) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Viewports returns every viewport set on the page, in order.
func (p *Page) Viewports() []ports.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.Viewport(nil), p.viewports...)
}

// Options returns the options of the last navigation.
func (p *Page) Options() ports.NavigateOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Browser hands out Page values from a factory.
type Browser struct {
	NewPageErr error
	Factory    func() *Page

	mu    sync.Mutex
	pages []*Page
}

func (b *Browser) NewPage(ctx context.Context) (ports.Page, error) {
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	p := &Page{}
	if b.Factory != nil {
		p = b.Factory()
	}
	b.mu.Lock()
	b.pages = append(b.pages, p)
	b.mu.Unlock()
	return p, nil
}

// Pages returns every page handed out so far.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}
