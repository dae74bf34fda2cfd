package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/coffersTech/crashcat/internal/live"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// eventSink writes records as server-sent events.
type eventSink struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	buf []byte
}

func (e *eventSink) Send(rec frame.Record) error {
	e.buf = append(e.buf[:0], "data: "...)
	e.buf = live.AppendJSON(e.buf, rec)
	e.buf = append(e.buf, "\n\n"...)
	_, err := e.w.Write(e.buf)
	return err
}

func (e *eventSink) Ping() error {
	_, err := e.w.Write([]byte("event: ping\ndata: {}\n\n"))
	return err
}

func (e *eventSink) Flush() error {
	return e.rc.Flush()
}

// handleLiveEvents streams captured records as server-sent events.
// GET /api/live
func (s *Server) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &eventSink{w: w, rc: http.NewResponseController(w)}
	if err := sink.Flush(); err != nil {
		slog.Debug("Live stream cannot flush", slog.Any("error", err))
		return
	}
	err := s.hub.Stream(r.Context(), sink, s.keepAlive)
	slog.Debug("Live stream ended", slog.String("remote", r.RemoteAddr), slog.Any("reason", err))
}

// socketSink writes records as WebSocket text messages.
type socketSink struct {
	conn *websocket.Conn
	buf  []byte
}

func (s *socketSink) Send(rec frame.Record) error {
	s.buf = live.AppendJSON(s.buf[:0], rec)
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, s.buf)
}

func (s *socketSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Flush is a no-op; every message is written through.
func (s *socketSink) Flush() error {
	return nil
}

// handleLiveSocket streams captured records over a WebSocket.
// GET /api/live/ws
func (s *Server) handleLiveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only watches for the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.hub.Stream(ctx, &socketSink{conn: conn}, s.keepAlive)
	slog.Debug("Live socket ended", slog.String("remote", r.RemoteAddr), slog.Any("reason", err))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
