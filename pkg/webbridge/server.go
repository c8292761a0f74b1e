// Package webbridge exposes a send controller over HTTP and streams its UI
// events to browsers over websockets.
package webbridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/sendctl"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/uievents"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	ctrl       *sendctl.Controller
	cache      *sessioncache.Cache
	subscriber message.Subscriber
	topic      string
	pool       *ConnectionPool
	upgrader   websocket.Upgrader
	now        func() time.Time
}

type Option func(*Server)

func WithTopic(topic string) Option {
	return func(s *Server) {
		if topic != "" {
			s.topic = topic
		}
	}
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

// NewServer wires the HTTP API to ctrl and cache. Events read from subscriber
// are broadcast to every websocket client.
func NewServer(ctrl *sendctl.Controller, cache *sessioncache.Cache, subscriber message.Subscriber, opts ...Option) *Server {
	s := &Server{
		ctrl:       ctrl,
		cache:      cache,
		subscriber: subscriber,
		topic:      uievents.Topic,
		pool:       NewConnectionPool("ui"),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Pool() *ConnectionPool { return s.pool }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/select/{id}", s.handleSelect)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "clients": s.pool.Count()})
	})
	return mux
}

// Forward broadcasts bus events to websocket clients until ctx is done.
func (s *Server) Forward(ctx context.Context) error {
	return uievents.Forward(ctx, s.subscriber, s.topic, func(_ uievents.Event, payload []byte) {
		s.pool.Broadcast(payload)
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.Forward(egCtx) })
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down chatsync bridge")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		s.pool.CloseAll()
		if err != nil {
			return errors.Wrap(err, "http shutdown")
		}
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("starting chatsync bridge")
		if err := httpSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	return eg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	connID := s.pool.Add(conn)
	sessionID, msgs := s.ctrl.History().Snapshot()
	log.Info().Str("component", "webbridge").Str("conn_id", connID).Str("session_id", sessionID).Msg("ws client connected")
	if hello, err := json.Marshal(uievents.Event{
		Type:      uievents.TypeHello,
		SessionID: sessionID,
		State:     s.ctrl.State().String(),
		Messages:  msgs,
		TsMs:      s.now().UnixMilli(),
	}); err == nil {
		s.pool.SendToOne(conn, hello)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.pool.Remove(conn)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		writeJSON(w, http.StatusOK, s.cache.RefreshSessionList(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.cache.SessionList(r.Context()))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Session(r.Context(), r.PathValue("id")))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	created, err := s.ctrl.NewChat(r.Context())
	if err != nil {
		resp := map[string]any{"error": err.Error()}
		if created.ID != "" {
			resp["session"] = created
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cache.RemoveSession(r.Context(), session.Session{ID: id}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.ctrl.Current().ID == id {
		if _, err := s.ctrl.NewChat(r.Context()); err != nil {
			log.Warn().Err(err).Str("component", "webbridge").Msg("starting new chat after delete failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	selected, err := s.ctrl.Select(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, selected)
}

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		http.Error(w, "missing text", http.StatusBadRequest)
		return
	}

	err := s.ctrl.Send(r.Context(), body.Text)
	if stderrors.Is(err, sendctl.ErrBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	id, msgs := s.ctrl.History().Snapshot()
	resp := sendResponse{SessionID: id, Messages: msgs}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webbridge").Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
