package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"merge-relay/internal/platform/metrics"
)

// SecretHeader carries the shared secret on gated routes.
const SecretHeader = "X-Relay-Secret"

// SecretGate returns middleware rejecting requests whose secret header does
// not match secret. An empty secret disables the gate entirely; that default
// is deliberately permissive and meant for local use only.
func SecretGate(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get(SecretHeader) != secret {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler exposes the relay's HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and
// optional Metrics. Metrics may be nil to disable metric recording.
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Health handles GET /. Liveness only; no dependencies are checked.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Wake handles GET /wake. It pre-warms all configured provider token caches
// and always answers ok; individual provider failures are only logged.
func (h *Handler) Wake(w http.ResponseWriter, r *http.Request) {
	h.svc.WarmTokens(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Merge handles POST /merge.
// Body: { "videoUrl": ..., "audioUrl": ..., "dropboxPath"?: ..., "noStream"?: bool }.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid merge body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.VideoURL == "" || req.AudioURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ErrMissingSources.Error()})
		return
	}

	result, err := h.svc.RunMerge(r.Context(), req)
	if err != nil {
		h.log.Error("merge pipeline failed",
			slog.String("video", req.VideoURL),
			slog.String("audio", req.AudioURL),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "merge failed",
			"details": err.Error(),
		})
		return
	}

	if result.DropboxPath != "" {
		w.Header().Set("X-Dropbox-Path", result.DropboxPath)
	}

	if req.NoStream {
		// Ack mode: everything is cleaned up before the response is written.
		h.release(result.Output)
		writeJSON(w, http.StatusOK, MergeAck{OK: true, DropboxPath: result.DropboxPath})
		return
	}

	// Streaming mode: ownership of the merged file now rests with this
	// handler; it is released once the stream drains or the client goes away.
	defer h.release(result.Output)

	f, err := os.Open(result.Output.Path)
	if err != nil {
		h.log.Error("open merged output failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "merge failed",
			"details": err.Error(),
		})
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		// Client disconnects land here; cleanup still runs via the defer.
		h.log.Debug("result stream interrupted", slog.String("error", err.Error()))
	}
}

// TikTokPost handles POST /tiktok/post.
// Body: { "dropboxPath": ..., "caption": ..., "privacy"?: ... }.
// The optional Idempotency-Key header suppresses duplicate publishes.
func (h *Handler) TikTokPost(w http.ResponseWriter, r *http.Request) {
	var req PostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.DropboxPath == "" || req.Caption == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "dropboxPath and caption are required"})
		return
	}

	resp, err := h.svc.Publish(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": ErrNotConfigured.Error()})
			return
		}
		h.log.Error("publish failed", slog.String("path", req.DropboxPath), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TikTokStatus handles GET /tiktok/status?publish_id=...
func (h *Handler) TikTokStatus(w http.ResponseWriter, r *http.Request) {
	publishID := r.URL.Query().Get("publish_id")
	if publishID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "publish_id is required"})
		return
	}

	fields, err := h.svc.PublishStatus(r.Context(), publishID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": ErrNotConfigured.Error()})
			return
		}
		h.log.Error("status fetch failed", slog.String("publish_id", publishID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	out := map[string]any{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) release(f *TempFile) {
	if err := f.Release(); err != nil && !os.IsNotExist(err) {
		h.log.Warn("temp file cleanup failed", slog.String("path", f.Path), slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
