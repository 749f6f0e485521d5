package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"govcheck/internal/domain"
	"govcheck/internal/ports"
)

const progressWriteTimeout = 5 * time.Second

var errStreamClosed = errors.New("progress stream closed")

// streamSink forwards bus events to one websocket handler until done closes.
type streamSink struct {
	events chan domain.ProgressEvent
	done   chan struct{}
}

func (s *streamSink) Send(ev domain.ProgressEvent) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return errStreamClosed
	}
}

// streamProgress upgrades to a websocket and streams progress events for one
// analysis. Clients first receive a snapshot of the current state; terminal
// analyses get that single event and the socket closes.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	view, err := s.analyses.GetStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept", "run_id", id, "err", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	if view.Status.Terminal() {
		s.finish(ctx, conn, snapshot(view))
		return
	}

	sink := &streamSink{events: make(chan domain.ProgressEvent, 16), done: make(chan struct{})}
	s.analyses.RegisterProgressSink(id, sink)
	defer func() {
		close(sink.done)
		s.analyses.UnregisterProgressSink(id)
	}()

	// The run may have finished before the sink was attached.
	if view, err = s.analyses.GetStatus(ctx, id); err != nil {
		conn.Close(websocket.StatusInternalError, "status unavailable")
		return
	}
	if view.Status.Terminal() {
		s.finish(ctx, conn, snapshot(view))
		return
	}
	if err := write(ctx, conn, snapshot(view)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink.events:
			if ev.Status.Terminal() {
				s.finish(ctx, conn, ev)
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				s.log.Debug("progress write", "run_id", id, "err", err)
				return
			}
		}
	}
}

func (s *Server) finish(ctx context.Context, conn *websocket.Conn, ev domain.ProgressEvent) {
	if err := write(ctx, conn, ev); err != nil {
		s.log.Debug("progress write", "run_id", ev.RunID, "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "analysis "+string(ev.Status))
}

func write(ctx context.Context, conn *websocket.Conn, ev domain.ProgressEvent) error {
	ctx, cancel := context.WithTimeout(ctx, progressWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func snapshot(v ports.StatusView) domain.ProgressEvent {
	ev := domain.ProgressEvent{
		RunID:     v.ID,
		Status:    v.Status,
		Error:     v.Error,
		Timestamp: time.Now().UTC(),
	}
	if v.Status.Terminal() {
		ev.Progress = 100
	}
	return ev
}
