package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(fx *serviceFixture, secret string) *chi.Mux {
	h := NewHandler(fx.svc, discardLogger(), nil)
	r := chi.NewRouter()
	r.Get("/", h.Health)
	r.Group(func(r chi.Router) {
		r.Use(SecretGate(secret))
		r.Get("/wake", h.Wake)
		r.Post("/merge", h.Merge)
		r.Post("/tiktok/post", h.TikTokPost)
		r.Get("/tiktok/status", h.TikTokStatus)
	})
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_health(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandler_secret_gate(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "hunter2")

	req := httptest.NewRequest(http.MethodGet, "/wake", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/wake", nil)
	req.Header.Set(SecretHeader, "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/wake", nil)
	req.Header.Set(SecretHeader, "hunter2")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct secret: status = %d, want 200", rec.Code)
	}
}

func TestHandler_secret_gate_open_when_unset(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	req := httptest.NewRequest(http.MethodGet, "/wake", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with gate disabled", rec.Code)
	}
}

func TestHandler_merge_missing_source(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	rec := postJSON(t, r, "/merge", map[string]string{"videoUrl": "https://example.com/a.mp4"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "videoUrl and audioUrl are required" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestHandler_merge_streams_result(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	rec := postJSON(t, r, "/merge", MergeRequest{
		VideoURL: "https://example.com/a.mp4",
		AudioURL: "https://example.com/b.mp3",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "inline" {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rec.Body.String() != "merged" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if n := countTempFiles(t, fx.dir); n != 0 {
		t.Errorf("leaked %d scratch files after streaming", n)
	}
}

func TestHandler_merge_nostream_ack_and_cleanup(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	rec := postJSON(t, r, "/merge", MergeRequest{
		VideoURL:    "https://example.com/a.mp4",
		AudioURL:    "https://example.com/b.mp3",
		DropboxPath: "/Merged/out.mp4",
		NoStream:    true,
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Dropbox-Path"); got != "/Merged/out.mp4" {
		t.Errorf("X-Dropbox-Path = %q", got)
	}
	var ack MergeAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK || ack.DropboxPath != "/Merged/out.mp4" {
		t.Errorf("ack = %+v", ack)
	}
	if n := countTempFiles(t, fx.dir); n != 0 {
		t.Errorf("leaked %d scratch files after ack", n)
	}
}

func TestHandler_merge_pipeline_failure(t *testing.T) {
	fx := newServiceFixture(t)
	fx.merger.err = &MergeError{ExitCode: 1, StderrTail: "could not find codec"}
	r := newTestRouter(fx, "")

	rec := postJSON(t, r, "/merge", MergeRequest{
		VideoURL: "https://example.com/a.mp4",
		AudioURL: "https://example.com/b.mp3",
	}, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" || body["details"] == "" {
		t.Errorf("expected error and details, got %v", body)
	}
	if n := countTempFiles(t, fx.dir); n != 0 {
		t.Errorf("leaked %d scratch files after failure", n)
	}
}

func TestHandler_tiktok_post_missing_fields(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	rec := postJSON(t, r, "/tiktok/post", map[string]string{"caption": "hello"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_tiktok_post_idempotent(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	body := PostRequest{DropboxPath: "/Videos/clip.mp4", Caption: "hello"}
	header := map[string]string{"Idempotency-Key": "idem-1"}

	rec := postJSON(t, r, "/tiktok/post", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("first post: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var first PostResponse
	json.Unmarshal(rec.Body.Bytes(), &first)

	rec = postJSON(t, r, "/tiktok/post", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("second post: status = %d", rec.Code)
	}
	var second PostResponse
	json.Unmarshal(rec.Body.Bytes(), &second)

	if second.PublishID != first.PublishID || !second.Cached {
		t.Errorf("second = %+v, want cached copy of %+v", second, first)
	}
}

func TestHandler_tiktok_post_not_configured(t *testing.T) {
	fx := newServiceFixture(t)
	fx.svc.tiktok = nil
	r := newTestRouter(fx, "")

	rec := postJSON(t, r, "/tiktok/post", PostRequest{DropboxPath: "/a.mp4", Caption: "x"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_tiktok_status(t *testing.T) {
	fx := newServiceFixture(t)
	r := newTestRouter(fx, "")

	req := httptest.NewRequest(http.MethodGet, "/tiktok/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing publish_id: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tiktok/status?publish_id=pub-1", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != true || body["status"] != "PUBLISH_COMPLETE" {
		t.Errorf("body = %v", body)
	}
}
