package httppage

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcheck/internal/logging"
	"govcheck/internal/ports"
	"govcheck/internal/services/session"
)

func newPage(t *testing.T, b *Browser) *Page {
	t.Helper()
	p, err := b.NewPage(context.Background())
	require.NoError(t, err)
	return p.(*Page)
}

func TestNavigateFetchesDocument(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = w.Write([]byte("<html><title>ok</title></html>"))
	}))
	defer srv.Close()

	page := newPage(t, New(Options{UserAgent: "audit-test"}))
	resp, err := page.Navigate(context.Background(), srv.URL+"/old", ports.NavigateOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, srv.URL+"/new", resp.URL)
	assert.Equal(t, srv.URL+"/new", page.URL())
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "audit-test", gotUA)
	assert.Same(t, resp, page.Response())

	content, err := page.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<html><title>ok</title></html>", content)
}

func TestNavigateReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	resp, err := newPage(t, New(Options{})).Navigate(context.Background(), srv.URL, ports.NavigateOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestNavigateTruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	page := newPage(t, New(Options{MaxBytes: 10}))
	_, err := page.Navigate(context.Background(), srv.URL, ports.NavigateOptions{})
	require.NoError(t, err)
	content, _ := page.Content(context.Background())
	assert.Len(t, content, 10)
	assert.True(t, page.Truncated())
}

func TestNavigateEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	resp, err := newPage(t, New(Options{})).Navigate(context.Background(), srv.URL, ports.NavigateOptions{})
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestNavigateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newPage(t, New(Options{})).Navigate(context.Background(), srv.URL, ports.NavigateOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}

func TestClosedPage(t *testing.T) {
	page := newPage(t, New(Options{}))
	assert.Equal(t, DesktopViewport, page.Viewport())
	require.NoError(t, page.SetViewport(context.Background(), ports.Viewport{Width: 375, Height: 667, Mobile: true}))
	assert.True(t, page.Viewport().Mobile)
	assert.Error(t, page.SetViewport(context.Background(), ports.Viewport{}))

	require.NoError(t, page.Close())
	require.NoError(t, page.Close())
	_, err := page.Content(context.Background())
	assert.ErrorIs(t, err, ErrPageClosed)
	_, err = page.Navigate(context.Background(), "http://example.invalid", ports.NavigateOptions{})
	assert.ErrorIs(t, err, ErrPageClosed)
	assert.ErrorIs(t, page.SetViewport(context.Background(), DesktopViewport), ErrPageClosed)
}

func TestSessionClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	mgr := session.NewManager(New(Options{}), "load", logging.Discard())
	for path, code := range map[string]int{"/forbidden": 403, "/broken": 502} {
		_, err := mgr.Acquire(context.Background(), srv.URL+path, time.Second)
		var navErr *session.NavigationError
		require.ErrorAs(t, err, &navErr, path)
		assert.Equal(t, session.KindHTTPStatus, navErr.Kind)
		assert.Equal(t, code, navErr.StatusCode)
	}

	sess, err := mgr.Acquire(context.Background(), srv.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, sess.Response.Status)
	require.NoError(t, sess.Release())
	_, err = sess.Page.Content(context.Background())
	assert.ErrorIs(t, err, ErrPageClosed)

	_, err = mgr.Acquire(context.Background(), "http://127.0.0.1:1", time.Second)
	var navErr *session.NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, session.KindNetwork, navErr.Kind)
}
