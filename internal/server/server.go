// Package server exposes the messaging HTTP surface. Authentication is
// the identity service's bearer token; every other authorization
// decision lives in the app layer.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clinichat/internal/app"
	"clinichat/internal/metrics"
	"clinichat/internal/ratelimit"
	"clinichat/internal/usertoken"
	"clinichat/internal/util"
	"clinichat/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	// PollLimiter throttles check-new and user-search per client IP;
	// nil disables limiting.
	PollLimiter *ratelimit.FixedWindowLimiter
	// TrustForwardedHeaders controls client IP resolution.
	TrustForwardedHeaders bool
}

// Server routes messaging requests to the conversation service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	pollLimiter    *ratelimit.FixedWindowLimiter
	trustForwarded bool
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		pollLimiter:    cfg.PollLimiter,
		trustForwarded: cfg.TrustForwardedHeaders,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware stack.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithRequestLog(h)
	h = util.WithRequestID(h)
	h = util.WithCORS(h)
	return util.WithSecurityHeaders(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/api/messages/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/api/messages/conversations/", s.withUser(s.handleConversationByID))
	s.mux.Handle("/api/messages/users/search", s.withUser(s.handleSearchUsers))
	s.mux.Handle("/api/messages/users/related", s.withUser(s.handleRelatedUsers))
	s.mux.Handle("/api/messages/unread-count", s.withUser(s.handleUnreadCount))
	s.mux.Handle("/api/messages/check-new", s.withUser(s.handleCheckNew))
	s.mux.Handle("/api/messages", s.withUser(s.handleSendMessage))
	s.mux.Handle("/api/messages/", s.withUser(s.handleMessageByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.UserRef)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// allowPoll applies the fixed-window limiter keyed by endpoint + IP.
func (s *Server) allowPoll(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if s.pollLimiter == nil {
		return true
	}
	key := endpoint + "|" + util.ClientIP(r, s.trustForwarded)
	if s.pollLimiter.Allow(key) {
		return true
	}
	metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// /api/messages/conversations
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	switch r.Method {
	case http.MethodGet:
		summaries, err := s.app.ListConversations(user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	case http.MethodPost:
		var req createConversationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		summary, err := s.app.StartConversation(user, req.OtherUserID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, summary)
	default:
		methodNotAllowed(w)
	}
}

// /api/messages/conversations/{id}
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/messages/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	msgs, err := s.app.ListMessages(user, id, limit, offset)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// /api/messages
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	view, err := s.app.SendMessage(user, req.ConversationID, req.Text, domain.MessageType(req.MessageType), req.ReplyToMessageID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// /api/messages/{id} and /api/messages/{id}/read
func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 2 && parts[1] == "read" {
		s.handleMarkRead(w, r, user, id)
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req editMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		view, err := s.app.EditMessage(user, id, req.Text)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		view, err := s.app.DeleteMessage(user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user domain.UserRef, messageID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req markReadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := s.app.MarkMessageRead(user, messageID, req.ConversationID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// /api/messages/unread-count
func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	count, err := s.app.UnreadCount(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

// /api/messages/check-new?lastCheck=<RFC3339>
func (s *Server) handleCheckNew(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowPoll(w, r, "check-new") {
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("lastCheck"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "lastCheck is required")
		return
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lastCheck must be an RFC3339 timestamp")
		return
	}
	has, err := s.app.HasNewSince(user, since)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"hasNewMessages": has})
}

// /api/messages/users/search?q=&type=
func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowPoll(w, r, "user-search") {
		return
	}
	term := r.URL.Query().Get("q")
	role := domain.UserRole(strings.TrimSpace(r.URL.Query().Get("type")))
	users, err := s.app.SearchUsers(user, term, role)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// /api/messages/users/related
func (s *Server) handleRelatedUsers(w http.ResponseWriter, r *http.Request, user domain.UserRef) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.RelatedUsers(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// writeAppError maps the app taxonomy to HTTP. Storage failures are
// logged in full and surfaced as a generic message.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation), errors.Is(err, app.ErrSelfConversation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotParticipant), errors.Is(err, app.ErrPermission):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type createConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
}

type sendMessageRequest struct {
	ConversationID   string `json:"conversationId"`
	Text             string `json:"text"`
	MessageType      string `json:"messageType"`
	ReplyToMessageID string `json:"replyToMessageId"`
}

type editMessageRequest struct {
	Text string `json:"text"`
}

type markReadRequest struct {
	ConversationID string `json:"conversationId"`
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
