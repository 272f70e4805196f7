// Package server exposes the HTTP surface: conversation and message
// endpoints, push subscription registration, and the websocket upgrade.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whisperim/internal/app"
	"whisperim/internal/delivery"
	"whisperim/internal/ratelimit"
	"whisperim/internal/token"
	"whisperim/internal/util"
	"whisperim/pkg/domain"
)

const maxBodyBytes = 64 << 10

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Directory     app.Directory
	Coordinator   *delivery.Coordinator
	TokenVerifier *token.Verifier
	Realtime      http.Handler
	SendLimiter   *ratelimit.SendLimiter
}

// Server exposes the messaging endpoints.
type Server struct {
	app           *app.App
	directory     app.Directory
	coordinator   *delivery.Coordinator
	tokenVerifier *token.Verifier
	realtime      http.Handler
	sendLimiter   *ratelimit.SendLimiter
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		directory:     cfg.Directory,
		coordinator:   cfg.Coordinator,
		tokenVerifier: cfg.TokenVerifier,
		realtime:      cfg.Realtime,
		sendLimiter:   cfg.SendLimiter,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("whisperd", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/v1/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/api/v1/conversations/", s.withUser(s.handleConversationSubpath))
	s.mux.Handle("/api/v1/subscriptions", s.withUser(s.handleSubscriptions))
	if s.realtime != nil {
		s.mux.Handle("/ws", s.realtime)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, "ok", map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokenVerifier.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, found, err := s.directory.ByID(r.Context(), claims.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !found {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Status == domain.StatusSuspended {
			writeError(w, http.StatusForbidden, "account suspended")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.handleListConversations(w, r, user)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	first := intQuery(r, "first", 0)
	rows := intQuery(r, "rows", 10)
	summaries, hasMore, total, err := s.app.Conversations(r.Context(), user.ID, first, rows)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "conversations retrieved", map[string]any{
		"conversations": summaries,
		"hasMore":       hasMore,
		"total":         total,
	})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request, user domain.User, recipientUsername string) {
	if !s.allowRate(w, user.ID) {
		return
	}
	var req contentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conv, first, err := s.app.Initiate(r.Context(), user.ID, recipientUsername, req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	summary, err := s.app.Summary(r.Context(), conv, user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "conversation initiated", summary)

	recipientID := conv.CounterpartOf(user.ID)
	recipientView, err := s.app.Summary(r.Context(), conv, recipientID)
	if err != nil {
		slog.Error("build recipient view", "conversation_id", conv.ID, "error", err)
		return
	}
	recipientView.LatestMessage = &first
	s.coordinator.ConversationCreated(r.Context(), recipientView, recipientID)
}

func (s *Server) handleConversationSubpath(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	if parts[0] == "initiate" {
		if len(parts) != 2 || parts[1] == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleInitiate(w, r, user, parts[1])
		return
	}

	conversationID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleConversationDetail(w, r, user, conversationID)
	case len(parts) == 2 && (parts[1] == "block" || parts[1] == "unblock"):
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		s.handleBlock(w, r, user, conversationID, parts[1] == "block")
	case len(parts) == 2 && parts[1] == "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleListMessages(w, r, user, conversationID)
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "send":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSend(w, r, user, conversationID)
	case len(parts) == 3 && parts[1] == "messages":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		s.handleEdit(w, r, user, conversationID, parts[2])
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "read":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		s.handleMarkRead(w, r, user, conversationID, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request, user domain.User, conversationID string) {
	summary, err := s.app.Conversation(r.Context(), user.ID, conversationID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "conversation retrieved", summary)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, user domain.User, conversationID string, block bool) {
	var (
		summary domain.ConversationSummary
		err     error
	)
	msg := "conversation blocked"
	if block {
		summary, _, err = s.app.Block(r.Context(), conversationID, user.ID)
	} else {
		summary, _, err = s.app.Unblock(r.Context(), conversationID, user.ID)
		msg = "conversation unblocked"
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, msg, summary)
}

type contentRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, user domain.User, conversationID string) {
	if !s.allowRate(w, user.ID) {
		return
	}
	var req contentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, conv, err := s.app.Send(r.Context(), conversationID, user.ID, req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "message sent", msg)
	s.coordinator.MessageCreated(r.Context(), conv, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user domain.User, conversationID string) {
	rows := intQuery(r, "rows", 10)
	preview := r.URL.Query().Get("preview") == "true"
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = &parsed
	}

	page, older, receipt, err := s.app.Messages(r.Context(), conversationID, user.ID, rows, before, preview)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "messages retrieved", map[string]any{
		"messages":      page,
		"olderMessages": older,
	})
	if receipt != nil {
		s.coordinator.ReadReceipt(*receipt)
	}
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, user domain.User, conversationID, messageID string) {
	var req contentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := s.app.Edit(r.Context(), conversationID, messageID, user.ID, req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "message updated", msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user domain.User, conversationID, messageID string) {
	msg, err := s.app.MarkRead(r.Context(), conversationID, messageID, user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "message marked as read", msg)
	s.coordinator.ReadReceipt(msg)
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub := domain.PushSubscription{
		Endpoint: req.Endpoint,
		Keys:     domain.SubscriptionKeys{P256dh: req.Keys.P256dh, Auth: req.Keys.Auth},
	}
	created, err := s.app.Subscribe(r.Context(), user.ID, sub)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	msg := "subscription already registered"
	if created {
		status = http.StatusCreated
		msg = "subscription registered"
	}
	writeSuccess(w, status, msg, map[string]bool{"created": created})
}

func (s *Server) allowRate(w http.ResponseWriter, userID string) bool {
	if s.sendLimiter == nil {
		return true
	}
	if s.sendLimiter.Allow(userID) {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data, Message: msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrUnavailable):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", util.RequestIDFromRequest(r), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return "", false
	}
	return raw, true
}
