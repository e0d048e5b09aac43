package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// staticTokens returns a TokenSource whose cache is pre-seeded so tests
// never hit a token endpoint.
func staticTokens(value string) *TokenSource {
	src := NewTokenSource("test", "http://invalid.example/token", "id", "secret", "refresh", AuthBasic)
	src.cached = AccessToken{Value: value, ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	return src
}

func newTestDropbox(api, content string) *Dropbox {
	d := NewDropbox(staticTokens("tok"))
	if api != "" {
		d.apiBase = api
	}
	if content != "" {
		d.contentBase = content
	}
	return d
}

func TestDropbox_SharedLinkFile(t *testing.T) {
	payload := []byte("video-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/sharing/get_shared_link_file" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}
		var arg struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg); err != nil || arg.URL == "" {
			t.Errorf("bad Dropbox-API-Arg: %v", err)
		}
		w.Header().Set("Dropbox-API-Result", `{"name":"clip.mp4"}`)
		w.Write(payload)
	}))
	defer srv.Close()

	d := newTestDropbox("", srv.URL)
	got, name, err := d.SharedLinkFile(context.Background(), "https://www.dropbox.com/s/abc/clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q", got)
	}
	if name != "clip.mp4" {
		t.Errorf("name = %q", name)
	}
}

func TestDropbox_SharedLinkFile_not_found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Dropbox signals lookup failures with 409.
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error_summary":"shared_link_not_found/"}`))
	}))
	defer srv.Close()

	d := newTestDropbox("", srv.URL)
	_, _, err := d.SharedLinkFile(context.Background(), "https://www.dropbox.com/s/missing")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Reason != FetchNotFound {
		t.Fatalf("expected FetchNotFound, got %v", err)
	}
}

func TestDropbox_TemporaryLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/files/get_temporary_link" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Path string `json:"path"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Path != "/Videos/in.mp4" {
			t.Errorf("path arg = %q", body.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"link":     "https://dl.example.com/signed",
			"metadata": map[string]any{"name": "in.mp4"},
		})
	}))
	defer srv.Close()

	d := newTestDropbox(srv.URL, "")
	link, name, err := d.TemporaryLink(context.Background(), "/Videos/in.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if link != "https://dl.example.com/signed" {
		t.Errorf("link = %q", link)
	}
	if name != "in.mp4" {
		t.Errorf("name = %q", name)
	}
}

func TestDropbox_Upload(t *testing.T) {
	local := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(local, []byte("merged"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/files/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var arg struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg); err != nil {
			t.Errorf("bad Dropbox-API-Arg: %v", err)
		}
		if arg.Mode != "add" {
			t.Errorf("mode = %q, want add", arg.Mode)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "merged" {
			t.Errorf("body = %q", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"path_display": arg.Path})
	}))
	defer srv.Close()

	d := newTestDropbox("", srv.URL)
	dest, err := d.Upload(context.Background(), local, "/Merged/out.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if dest != "/Merged/out.mp4" {
		t.Errorf("dest = %q", dest)
	}
}

func TestDropbox_Upload_too_large(t *testing.T) {
	local := filepath.Join(t.TempDir(), "big.mp4")
	if err := os.WriteFile(local, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}

	requested := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = true
	}))
	defer srv.Close()

	d := newTestDropbox("", srv.URL)
	d.maxBytes = 5
	_, err := d.Upload(context.Background(), local, "/big.mp4")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if requested {
		t.Error("no request should be made for an oversized file")
	}
}

func TestDropbox_Upload_provider_rejection(t *testing.T) {
	local := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(local, []byte("merged"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error_summary":"path/conflict/"}`))
	}))
	defer srv.Close()

	d := newTestDropbox("", srv.URL)
	_, err := d.Upload(context.Background(), local, "/out.mp4")
	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if upErr.Status != http.StatusConflict || upErr.Body == "" {
		t.Errorf("error missing diagnostics: %+v", upErr)
	}
}
