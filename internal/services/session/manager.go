package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

// DefaultTimeout bounds navigation when the caller passes none.
const DefaultTimeout = 60 * time.Second

type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindNetwork    Kind = "network"
	KindHTTPStatus Kind = "http_status"
	KindNoResponse Kind = "no_response"
	KindBrowser    Kind = "browser"
	KindCancelled  Kind = "cancelled"
)

// NavigationError is a session-fatal failure. It aborts the run.
type NavigationError struct {
	Kind       Kind
	Target     string
	StatusCode int
	Message    string
	Err        error
}

func (e *NavigationError) Error() string { return e.Message }

func (e *NavigationError) Unwrap() error { return e.Err }

// Category is the run-level category the fatal outcome is recorded under.
// Only an empty response is an http-level failure; bad status codes count as
// failed navigation.
func (e *NavigationError) Category() domain.Category {
	if e.Kind == KindNoResponse {
		return domain.CategoryHTTP
	}
	return domain.CategoryNavigation
}

// Outcome converts the failure into the single fatal test outcome of the run.
func (e *NavigationError) Outcome(runID string, at time.Time) domain.TestOutcome {
	details := map[string]any{"kind": string(e.Kind), "url": e.Target}
	if e.StatusCode != 0 {
		details["status_code"] = e.StatusCode
	}
	if e.Err != nil {
		details["error"] = e.Err.Error()
	}
	name := "page_load"
	switch e.Kind {
	case KindHTTPStatus:
		name = "http_status"
	case KindNoResponse:
		name = "http_response"
	}
	return domain.TestOutcome{
		RunID:     runID,
		Category:  e.Category(),
		Name:      name,
		Status:    domain.TestFailed,
		Score:     0,
		Message:   e.Message,
		Details:   details,
		CreatedAt: at,
	}
}

// Session is a navigated page exclusively owned by one run.
type Session struct {
	Page     ports.Page
	Response *ports.Response

	once       sync.Once
	releaseErr error
}

// Release closes the page. It is safe to call more than once and on a nil Session.
func (s *Session) Release() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.releaseErr = s.Page.Close()
	})
	return s.releaseErr
}

type Manager struct {
	browser   ports.Browser
	waitUntil string
	log       *slog.Logger
}

func NewManager(browser ports.Browser, waitUntil string, log *slog.Logger) *Manager {
	if waitUntil == "" {
		waitUntil = "load"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{browser: browser, waitUntil: waitUntil, log: log}
}

// Acquire opens a page and navigates it to target within timeout. On failure
// the page is already closed and the error is a *NavigationError.
func (m *Manager) Acquire(ctx context.Context, target string, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	page, err := m.browser.NewPage(ctx)
	if err != nil {
		return nil, &NavigationError{
			Kind:    KindBrowser,
			Target:  target,
			Message: fmt.Sprintf("could not open a browser page: %v", err),
			Err:     err,
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := page.Navigate(navCtx, target, ports.NavigateOptions{Timeout: timeout, WaitUntil: m.waitUntil})
	navErr := classify(target, timeout, resp, err)
	if err != nil && ctx.Err() != nil {
		navErr = interrupted(ctx, target, err)
	}
	if navErr != nil {
		if cerr := page.Close(); cerr != nil {
			m.log.Debug("close page after failed navigation", "target", target, "err", cerr)
		}
		return nil, navErr
	}
	return &Session{Page: page, Response: resp}, nil
}

// interrupted reports a navigation cut short by the caller's context rather
// than by the navigation timeout or the network.
func interrupted(ctx context.Context, target string, err error) *NavigationError {
	msg := fmt.Sprintf("analysis of %s was cancelled before the page loaded", target)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = fmt.Sprintf("analysis of %s ran out of time before the page loaded", target)
	}
	return &NavigationError{
		Kind:    KindCancelled,
		Target:  target,
		Message: msg,
		Err:     errors.Join(context.Cause(ctx), err),
	}
}

func classify(target string, timeout time.Duration, resp *ports.Response, err error) *NavigationError {
	if err != nil {
		if isTimeout(err) {
			return &NavigationError{
				Kind:    KindTimeout,
				Target:  target,
				Message: fmt.Sprintf("navigation to %s timed out after %s", target, timeout),
				Err:     err,
			}
		}
		return &NavigationError{
			Kind:    KindNetwork,
			Target:  target,
			Message: fmt.Sprintf("could not reach %s: %v", target, err),
			Err:     err,
		}
	}
	if resp == nil {
		return &NavigationError{
			Kind:    KindNoResponse,
			Target:  target,
			Message: fmt.Sprintf("%s accepted the connection but returned no response", target),
		}
	}
	code := resp.Status
	if code >= 200 && code < 400 {
		return nil
	}
	var msg string
	switch {
	case code == http.StatusForbidden:
		msg = fmt.Sprintf("access to %s is forbidden (HTTP 403)", target)
	case code == http.StatusNotFound:
		msg = fmt.Sprintf("page %s was not found (HTTP 404)", target)
	case code >= 500:
		msg = fmt.Sprintf("server error at %s (HTTP %d %s)", target, code, http.StatusText(code))
	default:
		msg = fmt.Sprintf("unexpected HTTP status %d from %s", code, target)
	}
	return &NavigationError{Kind: KindHTTPStatus, Target: target, StatusCode: code, Message: msg}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ports.ErrNavigationTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
