package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"helpdesk-backend/internal/config"
	"helpdesk-backend/internal/db"
	"helpdesk-backend/internal/dialog"
	"helpdesk-backend/internal/directory"
	"helpdesk-backend/internal/types"
)

const maxBodySize = 1 << 20

// TurnEngine is the dialog surface the HTTP layer drives.
type TurnEngine interface {
	HandleTurn(ctx context.Context, conversationID string, raw dialog.RawTurn, caller dialog.Caller) (dialog.TurnResult, error)
	Snapshot(ctx context.Context, conversationID string) (*dialog.Session, error)
	Reset(ctx context.Context, conversationID string) error
}

type Server struct {
	router    *chi.Mux
	engine    TurnEngine
	directory directory.Directory
	database  *db.DB
	cfg       config.Config
	log       *slog.Logger
}

// NewServer wires the routes. database may be nil when sessions and records
// live elsewhere; it is only used for the health check.
func NewServer(cfg config.Config, engine TurnEngine, dir directory.Directory, database *db.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == nil {
		dir = directory.Static{}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Session-Id"},
		ExposedHeaders:   []string{"X-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		router:    r,
		engine:    engine,
		directory: dir,
		database:  database,
		cfg:       cfg,
		log:       logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Post("/api/turn", s.handleTurn)
	// Bot Framework style channel endpoint
	s.router.Post("/api/messages", s.handleActivity)
	s.router.Get("/api/conversations/{id}", s.handleSnapshot)
	s.router.Delete("/api/conversations/{id}", s.handleReset)
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.database != nil {
		if err := s.database.HealthCheck(); err != nil {
			s.log.Error("database health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req types.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sid := strings.TrimSpace(req.ConversationID)
	if sid == "" {
		sid = s.getOrCreateSessionID(r, w)
	}

	var caller dialog.Caller
	if req.User != nil {
		caller = dialog.Caller{ID: req.User.ID, Name: req.User.Name, Email: req.User.Email}
	}
	caller = s.directory.Lookup(r.Context(), caller)

	res, err := s.engine.HandleTurn(r.Context(), sid, dialog.RawTurn{Text: req.Message, Value: req.Value}, caller)
	if err != nil {
		s.turnError(w, sid, err)
		return
	}
	w.Header().Set("X-Session-Id", sid)
	writeJSON(w, http.StatusOK, types.TurnResponse{
		ConversationID: res.ConversationID,
		State:          string(res.State),
		Messages:       outMessages(res.Messages),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var act types.Activity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid activity")
		return
	}
	// conversationUpdate, typing and the like need no reply.
	if act.Type != "message" {
		writeJSON(w, http.StatusOK, types.ActivitiesResponse{Activities: []types.Activity{}})
		return
	}
	if strings.TrimSpace(act.Conversation.ID) == "" {
		s.writeError(w, http.StatusBadRequest, "conversation.id is required")
		return
	}

	caller := dialog.Caller{ID: act.From.AADObjectID, Name: act.From.Name}
	if caller.ID == "" {
		caller.ID = act.From.ID
	}
	caller = s.directory.Lookup(r.Context(), caller)

	res, err := s.engine.HandleTurn(r.Context(), act.Conversation.ID, dialog.RawTurn{Text: act.Text, Value: act.Value}, caller)
	if err != nil {
		s.turnError(w, act.Conversation.ID, err)
		return
	}

	user := act.From
	replies := make([]types.Activity, 0, len(res.Messages))
	for _, m := range res.Messages {
		reply := types.Activity{
			Type:         "message",
			Text:         m.Text,
			Recipient:    &user,
			Conversation: act.Conversation,
			ReplyToID:    act.ID,
		}
		if act.Recipient != nil {
			reply.From = *act.Recipient
		}
		if m.Attachment != nil {
			reply.Attachments = []types.Attachment{{ContentType: m.Attachment.ContentType, Content: m.Attachment.Content}}
		}
		replies = append(replies, reply)
	}
	writeJSON(w, http.StatusOK, types.ActivitiesResponse{Activities: replies})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.log.Error("snapshot failed", "conversation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load conversation")
		return
	}
	if sess == nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshotOf(sess))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Reset(r.Context(), id); err != nil {
		s.log.Error("reset failed", "conversation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not reset conversation")
		return
	}
	if cookie, err := GetSessionCookie(r); err == nil && cookie == id {
		ClearSessionCookie(w, s.cfg.CookieSecure)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) turnError(w http.ResponseWriter, sid string, err error) {
	switch {
	case errors.Is(err, dialog.ErrSessionConflict):
		s.log.Warn("turn lost a session race", "conversation_id", sid)
		s.writeError(w, http.StatusConflict, "conversation was updated by another request, please retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("turn cancelled", "conversation_id", sid, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.log.Error("turn failed", "conversation_id", sid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "I'm having trouble right now. Please try again.")
	}
}

func outMessages(msgs []dialog.Message) []types.OutMessage {
	out := make([]types.OutMessage, 0, len(msgs))
	for _, m := range msgs {
		om := types.OutMessage{Text: m.Text}
		if m.Attachment != nil {
			om.Attachment = &types.Attachment{ContentType: m.Attachment.ContentType, Content: m.Attachment.Content}
		}
		out = append(out, om)
	}
	return out
}

func snapshotOf(sess *dialog.Session) types.ConversationSnapshot {
	snap := types.ConversationSnapshot{
		ConversationID: sess.ID,
		State:          string(sess.State),
		Flow:           sess.Flow,
		Reprompts:      sess.Pending.Reprompts,
		Transcript:     make([]types.Exchange, 0, len(sess.Transcript)),
		UpdatedAt:      sess.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p := sess.Pending.Partial; p != nil {
		snap.PendingAction = string(p.Name)
		snap.PendingArgs = p.Args
	}
	for _, e := range sess.Transcript {
		snap.Transcript = append(snap.Transcript, types.Exchange{
			User:      e.User,
			Assistant: e.Assistant,
			At:        e.At.UTC().Format(time.RFC3339),
		})
	}
	return snap
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, types.ErrorResponse{Error: msg})
}

func newSessionID() string {
	return "c_" + uuid.NewString()
}

// getSessionID retrieves the conversation ID from cookie, header or query parameter
func getSessionID(r *http.Request) string {
	if cookie, err := GetSessionCookie(r); err == nil && cookie != "" {
		return cookie
	}
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		return sid
	}
	return ""
}

// getOrCreateSessionID gets the existing conversation ID or creates one, setting the cookie
func (s *Server) getOrCreateSessionID(r *http.Request, w http.ResponseWriter) string {
	sid := getSessionID(r)
	if sid == "" {
		sid = newSessionID()
		s.log.Debug("new conversation", "conversation_id", sid, "path", r.URL.Path)
		SetSessionCookie(w, sid, s.cfg.SessionTTL, s.cfg.CookieSecure)
	}
	return sid
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
