package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"agora/internal/identity"
)

const apiMaxBodyBytes = 64 << 10 // 64 KiB

// Handler exposes the request/response operations of the messaging core to
// the REST layer. Authorization is uniform: participant or privileged.
type Handler struct {
	log      *slog.Logger
	svc      *Service
	provider identity.Provider
}

// NewHandler constructs a chat HTTP handler.
func NewHandler(log *slog.Logger, svc *Service, provider identity.Provider) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chat: nil service")
	}
	if provider == nil {
		return nil, errors.New("chat: nil identity provider")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, provider: provider}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations", h.withAuth(h.handleCreateOrGet))
	mux.HandleFunc("GET /api/conversations", h.withAuth(h.handleListConversations))
	mux.HandleFunc("GET /api/conversations/{id}", h.withAuth(h.handleGetConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", h.withAuth(h.handleDeleteConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.withAuth(h.handleListMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.withAuth(h.handleSendMessage))
	mux.HandleFunc("POST /api/conversations/{id}/read", h.withAuth(h.handleMarkRead))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, caller identity.Identity)

// withAuth resolves the bearer credential and rejects unauthenticated callers.
func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred := bearerCredential(r)
		if cred == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing credential")
			return
		}

		caller, err := h.provider.Resolve(r.Context(), cred)
		if err != nil {
			if errors.Is(err, identity.ErrAuthentication) {
				writeError(w, http.StatusUnauthorized, "authentication_error", "invalid credential")
				return
			}
			h.log.Error("api.auth.resolve.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "identity resolution failed")
			return
		}

		next(w, r, caller)
	}
}

func bearerCredential(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type createOrGetRequest struct {
	PeerID string `json:"peer_id"`
}

type conversationResponse struct {
	Conversation Conversation `json:"conversation"`
	Created      bool         `json:"created"`
}

func (h *Handler) handleCreateOrGet(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req createOrGetRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}

	conv, created, err := h.svc.CreateOrGetConversation(r.Context(), caller, req.PeerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conversationResponse{Conversation: conv, Created: created})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	convs, err := h.svc.ListConversations(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]Conversation{"conversations": convs})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	conv, err := h.svc.GetConversation(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	if err := h.svc.DeleteConversation(r.Context(), caller, r.PathValue("id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", DefaultPageSize)

	msgs, err := h.svc.ListMessages(r.Context(), caller, r.PathValue("id"), page, pageSize)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]Message{"messages": msgs})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), caller, r.PathValue("id"), req.Content)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	marked, err := h.svc.MarkRead(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": marked})
}

// writeServiceError maps the chat error taxonomy to HTTP statuses.
// Store failures never escape as 5xx panics; they become command-level errors.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
	case errors.Is(err, ErrNotAParticipant):
		writeError(w, http.StatusForbidden, "not_a_participant", "caller is not a participant")
	case errors.Is(err, ErrInvalidParticipants):
		writeError(w, http.StatusBadRequest, "invalid_participants", "participants must be two distinct users")
	case errors.Is(err, ErrUnknownUser):
		writeError(w, http.StatusBadRequest, "unknown_user", "user id does not resolve")
	case errors.Is(err, ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "empty_message", "content must not be empty")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "request cancelled")
	default:
		h.log.Error("api.store.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "message store unavailable")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ---- JSON helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
