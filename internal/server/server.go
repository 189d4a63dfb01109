// Package server exposes the session control protocol over WebSocket plus
// the stats endpoint. One WebSocket connection drives at most one session:
// a text "start" command creates and starts it, binary frames carry raw
// PCM audio, and a text "stop" command (or the connection dropping) closes
// it. Results stream back as JSON text frames.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/podiumlabs/lectern/internal/observe"
	"github.com/podiumlabs/lectern/internal/session"
)

// writeTimeout bounds a single outbound WebSocket write; a client that
// stops reading loses its connection rather than wedging the handler.
const writeTimeout = 5 * time.Second

// command is an inbound text-frame control message.
type command struct {
	Action               string `json:"action"`
	SessionID            string `json:"session_id"`
	PresentationID       string `json:"presentation_id"`
	LectureID            int64  `json:"lecture_id"`
	LanguageCode         string `json:"language_code"`
	Model                string `json:"model"`
	EnableInterimResults bool   `json:"enable_interim_results"`
}

// Outbound event envelopes.
type startedEvent struct {
	Event                string `json:"event"`
	SessionID            string `json:"session_id"`
	PresentationID       string `json:"presentation_id"`
	LectureID            int64  `json:"lecture_id"`
	LanguageCode         string `json:"language_code"`
	Model                string `json:"model"`
	EnableInterimResults bool   `json:"enable_interim_results"`
}

type transcriptionEvent struct {
	Event  string         `json:"event"`
	Result session.Result `json:"result"`
}

type closedEvent struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Summary   session.Summary `json:"summary"`
}

type errorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Config holds the Server's dependencies.
type Config struct {
	// Manager owns the session registry. Required.
	Manager *session.Manager

	// Collector serves the stats endpoint. Required.
	Collector *observe.Collector

	// Alerts, when non-nil, contributes recent alerts to the stats
	// endpoint response.
	Alerts *observe.AlertManager

	// Extra consumers receive every result in addition to the WebSocket
	// client. Used for the webhook notifier.
	Extra []session.Consumer

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server handles the control-protocol and stats routes.
type Server struct {
	manager   *session.Manager
	collector *observe.Collector
	alerts    *observe.AlertManager
	extra     []session.Consumer
	log       *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		manager:   cfg.Manager,
		collector: cfg.Collector,
		alerts:    cfg.Alerts,
		extra:     cfg.Extra,
		log:       log,
	}
}

// Register adds the WebSocket and stats routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/sessions/{id}/stats", s.handleSessionStats)
}

// handleStream upgrades the connection and runs the per-connection loop.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	c := &wsConn{conn: conn}
	defer c.close(websocket.StatusNormalClosure, "bye")

	s.serveConn(r.Context(), c)
}

// serveConn processes one connection until it drops or the client stops
// the session.
func (s *Server) serveConn(ctx context.Context, c *wsConn) {
	var sess *session.Session

	// A dropped connection must not leak the session.
	defer func() {
		if sess != nil {
			if _, err := s.manager.Close(context.WithoutCancel(ctx), sess.ID()); err != nil &&
				!errors.Is(err, session.ErrNotFound) {
				s.log.Warn("session close on disconnect failed",
					"session_id", sess.ID(), "error", err)
			}
		}
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if sess == nil {
				c.writeJSON(ctx, errorEvent{Event: "error", Message: "no active session, send start first"})
				continue
			}
			if err := sess.SendAudio(data); err != nil {
				c.writeJSON(ctx, errorEvent{Event: "error", Message: err.Error()})
			}

		case websocket.MessageText:
			var cmd command
			if err := json.Unmarshal(data, &cmd); err != nil {
				c.writeJSON(ctx, errorEvent{Event: "error", Message: "malformed command"})
				continue
			}

			switch cmd.Action {
			case "start":
				if sess != nil {
					c.writeJSON(ctx, errorEvent{Event: "error", Message: "session already started"})
					continue
				}
				started, err := s.startSession(ctx, c, cmd)
				if err != nil {
					c.writeJSON(ctx, errorEvent{Event: "error", Message: err.Error()})
					continue
				}
				sess = started

			case "stop":
				if sess == nil {
					c.writeJSON(ctx, errorEvent{Event: "error", Message: "no active session"})
					continue
				}
				sum, err := s.manager.Close(ctx, sess.ID())
				id := sess.ID()
				sess = nil
				if err != nil {
					c.writeJSON(ctx, errorEvent{Event: "error", Message: err.Error()})
					continue
				}
				c.writeJSON(ctx, closedEvent{Event: "session_closed", SessionID: id, Summary: sum})
				return

			default:
				c.writeJSON(ctx, errorEvent{Event: "error", Message: "unknown action " + cmd.Action})
			}
		}
	}
}

// startSession creates and starts a session wired to this connection.
func (s *Server) startSession(ctx context.Context, c *wsConn, cmd command) (*session.Session, error) {
	consumer := session.Consumer(&connConsumer{conn: c, log: s.log})
	if len(s.extra) > 0 {
		consumer = newTee(append([]session.Consumer{consumer}, s.extra...)...)
	}

	sess, err := s.manager.Create(ctx, session.Config{
		SessionID:      cmd.SessionID,
		PresentationID: cmd.PresentationID,
		LectureID:      cmd.LectureID,
		Language:       cmd.LanguageCode,
		Model:          cmd.Model,
		InterimResults: cmd.EnableInterimResults,
	}, consumer)
	if err != nil {
		return nil, err
	}

	if err := sess.Start(ctx); err != nil {
		if _, cerr := s.manager.Close(ctx, sess.ID()); cerr != nil {
			s.log.Warn("cleanup after failed start", "session_id", sess.ID(), "error", cerr)
		}
		return nil, err
	}

	observe.Logger(ctx).Info("session started",
		"session_id", cmd.SessionID,
		"presentation_id", cmd.PresentationID,
		"lecture_id", cmd.LectureID,
	)

	c.writeJSON(ctx, startedEvent{
		Event:                "session_started",
		SessionID:            cmd.SessionID,
		PresentationID:       cmd.PresentationID,
		LectureID:            cmd.LectureID,
		LanguageCode:         cmd.LanguageCode,
		Model:                cmd.Model,
		EnableInterimResults: cmd.EnableInterimResults,
	})
	return sess, nil
}

// statsResponse is the /v1/stats body.
type statsResponse struct {
	observe.Snapshot
	Alerts []observe.Alert `json:"alerts,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Snapshot: s.collector.Snapshot()}
	if s.alerts != nil {
		resp.Alerts = s.alerts.Recent()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	totals, ok := s.collector.SessionTotals(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no totals for session " + id})
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// wsConn serializes writes to one WebSocket connection; results arrive
// from the session's reader goroutine while commands are answered from the
// connection loop.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("event marshal failed", "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.Write(wctx, websocket.MessageText, data)
}

func (c *wsConn) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}

// connConsumer forwards results to the WebSocket client.
type connConsumer struct {
	conn *wsConn
	log  *slog.Logger
}

func (cc *connConsumer) OnInterim(r session.Result) { cc.send(r) }
func (cc *connConsumer) OnFinal(r session.Result)   { cc.send(r) }

func (cc *connConsumer) send(r session.Result) {
	cc.conn.writeJSON(context.Background(), transcriptionEvent{Event: "transcription", Result: r})
}

// tee fans one result out to several consumers.
type tee struct {
	sinks []session.Consumer
}

func newTee(sinks ...session.Consumer) *tee { return &tee{sinks: sinks} }

func (t *tee) OnInterim(r session.Result) {
	for _, s := range t.sinks {
		s.OnInterim(r)
	}
}

func (t *tee) OnFinal(r session.Result) {
	for _, s := range t.sinks {
		s.OnFinal(r)
	}
}
