package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medley/internal/chat"
	"medley/internal/storage"
)

// Sender runs one conversation turn and streams its events.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) (<-chan chat.Event, error)
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func handleCreateConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createConversationRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		conv, err := deps.Store.CreateConversation(deps.UserID, req.Title)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating conversation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(conv)
	}
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)

		convs, err := deps.Store.ListConversations(deps.UserID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing conversations: %v", err)
			return
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(convs)
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := conversationForUser(deps, id); err != nil {
			writeConversationErr(w, err)
			return
		}

		msgs, err := deps.Store.ListMessages(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing messages: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(msgs)
	}
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// handleSendMessage streams the conversation turn as server-sent events.
// Each event is one chat.Event JSON object; the stream always ends with
// exactly one done or error event.
func handleSendMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")
		if _, err := conversationForUser(deps, id); err != nil {
			writeConversationErr(w, err)
			return
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		events, err := deps.Engine.Send(r.Context(), id, req.Content)
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "conversation is processing another message")
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "starting turn: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		enc := json.NewEncoder(w)
		for ev := range events {
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func conversationForUser(deps AppDeps, id string) (storage.Conversation, error) {
	conv, err := deps.Store.GetConversation(id)
	if err != nil {
		return storage.Conversation{}, err
	}
	if conv.UserID != deps.UserID {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return conv, nil
}

func writeConversationErr(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "loading conversation: %v", err)
}
