package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"medley/internal/storage"
)

const maxUploadBodySize = 25 << 20 // 25MB
const maxRequestBodySize = 1 << 20 // 1MB

// BlobStore is the payload storage the API layer needs.
type BlobStore interface {
	Put(id string, data []byte) error
	Delete(id string) error
}

// AppDeps holds the wiring for the HTTP surface.
type AppDeps struct {
	Store       *storage.Store
	Blobs       BlobStore
	Engine      Sender
	Token       string
	UserID      string
	MaxAttempts int
}

// NewAppHandler returns the authenticated HTTP API.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.UserID == "" {
		deps.UserID = "local"
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 3
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/media", handleUploadMedia(deps))
		r.Get("/media", handleListMedia(deps))
		r.Get("/media/{id}", handleGetMedia(deps))
		r.Delete("/media/{id}", handleDeleteMedia(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))

		r.Post("/conversations", handleCreateConversation(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}/messages", handleListMessages(deps))
		r.Post("/conversations/{id}/messages", handleSendMessage(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// UploadRequest is the JSON upload body. Content is base64-encoded payload
// bytes. Multipart uploads use form fields kind and file instead.
type UploadRequest struct {
	Kind     string `json:"kind"`
	FileName string `json:"file_name"`
	Content  string `json:"content"`
}

func handleUploadMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var kind, fileName string
		var data []byte

		if isMultipart(r) {
			if err := r.ParseMultipartForm(maxUploadBodySize); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
				return
			}
			kind = r.FormValue("kind")
			file, header, err := r.FormFile("file")
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "file part is required")
				return
			}
			defer file.Close()
			fileName = header.Filename
			data, err = io.ReadAll(file)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
				return
			}
		} else {
			var req UploadRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
			kind = req.Kind
			fileName = req.FileName
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			data = decoded
		}

		// Reject invalid input before anything is stored or queued.
		if !storage.ValidKind(storage.MediaKind(kind)) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported media kind %q", kind)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "empty payload")
			return
		}

		media := storage.MediaItem{
			ID:       uuid.New().String(),
			UserID:   deps.UserID,
			Kind:     storage.MediaKind(kind),
			FileName: fileName,
			Status:   storage.MediaUploaded,
		}
		media.BlobRef = media.ID

		if err := deps.Blobs.Put(media.BlobRef, data); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing payload: %v", err)
			return
		}
		if err := deps.Store.CreateMediaItem(media); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving media: %v", err)
			return
		}
		task, err := deps.Store.CreateTask(media.ID, deps.MaxAttempts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queuing task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"media_id": media.ID,
			"task_id":  task.ID,
			"status":   "queued",
		})
	}
}

func isMultipart(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct != "" && len(ct) >= 19 && ct[:19] == "multipart/form-data"
}

func handleListMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)

		items, err := deps.Store.ListMedia(deps.UserID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing media: %v", err)
			return
		}
		if items == nil {
			items = []storage.MediaItem{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}

func handleGetMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		media, err := deps.Store.GetMediaItem(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && media.UserID != deps.UserID) {
			httpError(w, http.StatusNotFound, "not_found", "media not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading media: %v", err)
			return
		}

		out := map[string]any{"media": media}
		if res, err := deps.Store.LatestExtractionResult(id); err == nil {
			out["extraction"] = res
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleDeleteMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		media, err := deps.Store.GetMediaItem(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && media.UserID != deps.UserID) {
			httpError(w, http.StatusNotFound, "not_found", "media not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading media: %v", err)
			return
		}

		if err := deps.Store.DeleteMediaItem(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting media: %v", err)
			return
		}
		if err := deps.Blobs.Delete(media.BlobRef); err != nil {
			// Metadata is already gone; an orphaned blob is not worth a 500.
			httpError(w, http.StatusInternalServerError, "api_error", "deleting payload: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleGetTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":           task.ID,
			"media_id":     task.MediaID,
			"status":       task.Status,
			"detail":       task.Detail,
			"attempts":     task.Attempts,
			"max_attempts": task.MaxAttempts,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
