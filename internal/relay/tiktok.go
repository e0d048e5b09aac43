package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

// DefaultPrivacy is used when a post request does not specify a privacy level.
const DefaultPrivacy = "SELF_ONLY"

// DirectPost is the platform's handle for an in-flight direct post.
type DirectPost struct {
	PublishID string
	UploadURL string
}

// TikTok drives the direct-post protocol: announce the upload, PUT the file
// in a single chunk, then poll status. Polling cadence and terminal-state
// detection belong to the caller, not this client.
type TikTok struct {
	tokens *TokenSource
	client *http.Client

	// Overridable for tests.
	apiBase string
}

// NewTikTok returns a TikTok client backed by the given token source.
func NewTikTok(tokens *TokenSource) *TikTok {
	return &TikTok{
		tokens:  tokens,
		client:  &http.Client{},
		apiBase: "https://open.tiktokapis.com",
	}
}

// InitDirectPost announces an incoming single-chunk upload of size bytes and
// returns the publish id plus the upload URL.
func (t *TikTok) InitDirectPost(ctx context.Context, title, privacy string, size int64) (DirectPost, error) {
	tok, err := t.tokens.Token(ctx)
	if err != nil {
		return DirectPost{}, err
	}
	if privacy == "" {
		privacy = DefaultPrivacy
	}

	body, _ := json.Marshal(map[string]any{
		"post_info": map[string]any{
			"title":         title,
			"privacy_level": privacy,
		},
		"source_info": map[string]any{
			"source":            "FILE_UPLOAD",
			"video_size":        size,
			"chunk_size":        size,
			"total_chunk_count": 1,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/v2/post/publish/video/init/", bytes.NewReader(body))
	if err != nil {
		return DirectPost{}, &PublishError{Op: "init", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return DirectPost{}, &PublishError{Op: "init", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DirectPost{}, &PublishError{Op: "init", Status: resp.StatusCode, Body: string(respBody)}
	}

	var payload struct {
		Data struct {
			PublishID string `json:"publish_id"`
			UploadURL string `json:"upload_url"`
		} `json:"data"`
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return DirectPost{}, &PublishError{Op: "init", Status: resp.StatusCode, Body: string(respBody), Err: err}
	}
	if !payload.Error.ok() || payload.Data.PublishID == "" {
		return DirectPost{}, &PublishError{Op: "init", Status: resp.StatusCode, Body: string(respBody)}
	}
	return DirectPost{PublishID: payload.Data.PublishID, UploadURL: payload.Data.UploadURL}, nil
}

// UploadChunk PUTs the whole file to uploadURL in one request, with a
// Content-Range header spanning the entire size. Multi-chunk uploads are not
// supported, which bounds usable file size to the platform's per-chunk cap.
func (t *TikTok) UploadChunk(ctx context.Context, uploadURL, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return &PublishError{Op: "upload", Err: err}
	}
	f, err := os.Open(localPath)
	if err != nil {
		return &PublishError{Op: "upload", Err: err}
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return &PublishError{Op: "upload", Err: err}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", info.Size()-1, info.Size()))

	resp, err := t.client.Do(req)
	if err != nil {
		return &PublishError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &PublishError{Op: "upload", Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// PostStatus fetches the current status fields for a publish id.
func (t *TikTok) PostStatus(ctx context.Context, publishID string) (map[string]any, error) {
	tok, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]string{"publish_id": publishID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/v2/post/publish/status/fetch/", bytes.NewReader(body))
	if err != nil {
		return nil, &PublishError{Op: "status", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &PublishError{Op: "status", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &PublishError{Op: "status", Status: resp.StatusCode, Body: string(respBody)}
	}

	var payload struct {
		Data  map[string]any `json:"data"`
		Error apiError       `json:"error"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, &PublishError{Op: "status", Status: resp.StatusCode, Body: string(respBody), Err: err}
	}
	if !payload.Error.ok() {
		return nil, &PublishError{Op: "status", Status: resp.StatusCode, Body: string(respBody)}
	}
	return payload.Data, nil
}

// apiError is the envelope TikTok attaches to every response; code "ok"
// means success even on HTTP 200.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e apiError) ok() bool { return e.Code == "" || e.Code == "ok" }
