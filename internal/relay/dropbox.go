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

// maxUploadBytes is the ceiling of Dropbox's simple-upload endpoint.
// Larger files need the multi-part session API, which is out of scope.
const maxUploadBytes = 150 << 20

// Dropbox is a minimal client for the Dropbox HTTP API: shared-link
// resolution, temporary download links, and simple uploads.
type Dropbox struct {
	tokens *TokenSource
	client *http.Client

	// Overridable for tests.
	apiBase     string
	contentBase string
	maxBytes    int64
}

// NewDropbox returns a Dropbox client backed by the given token source.
func NewDropbox(tokens *TokenSource) *Dropbox {
	return &Dropbox{
		tokens:      tokens,
		client:      &http.Client{},
		apiBase:     "https://api.dropboxapi.com",
		contentBase: "https://content.dropboxapi.com",
		maxBytes:    maxUploadBytes,
	}
}

// SharedLinkFile downloads the file behind a shared link. The provider API
// returns the full payload in one response, so the body is buffered; the
// filename comes from the metadata echoed in the Dropbox-API-Result header.
func (d *Dropbox) SharedLinkFile(ctx context.Context, sharedURL string) ([]byte, string, error) {
	tok, err := d.tokens.Token(ctx)
	if err != nil {
		return nil, "", err
	}

	arg, _ := json.Marshal(map[string]string{"url": sharedURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.contentBase+"/2/sharing/get_shared_link_file", nil)
	if err != nil {
		return nil, "", &FetchError{Reason: FetchProviderError, Ref: sharedURL, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{Reason: FetchNetworkTimeout, Ref: sharedURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fetchErrorFromStatus(sharedURL, resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &FetchError{Reason: FetchNetworkTimeout, Ref: sharedURL, Err: err}
	}

	name := ""
	if raw := resp.Header.Get("Dropbox-API-Result"); raw != "" {
		var meta struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			name = meta.Name
		}
	}
	return payload, name, nil
}

// TemporaryLink resolves an internal path to a short-lived direct download
// URL plus the file's name.
func (d *Dropbox) TemporaryLink(ctx context.Context, path string) (link, name string, err error) {
	tok, err := d.tokens.Token(ctx)
	if err != nil {
		return "", "", err
	}

	body, _ := json.Marshal(map[string]string{"path": path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiBase+"/2/files/get_temporary_link", bytes.NewReader(body))
	if err != nil {
		return "", "", &FetchError{Reason: FetchProviderError, Ref: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", &FetchError{Reason: FetchNetworkTimeout, Ref: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fetchErrorFromStatus(path, resp)
	}

	var payload struct {
		Link     string `json:"link"`
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", &FetchError{Reason: FetchProviderError, Ref: path, Err: err}
	}
	return payload.Link, payload.Metadata.Name, nil
}

// Upload streams a local file to destPath with mode "add" (never overwrite;
// the provider renames on conflict). Files over the simple-upload ceiling are
// rejected before any byte is sent.
func (d *Dropbox) Upload(ctx context.Context, localPath, destPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	if info.Size() > d.maxBytes {
		return "", fmt.Errorf("upload %s (%d bytes): %w", destPath, info.Size(), ErrTooLarge)
	}

	tok, err := d.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	arg, _ := json.Marshal(map[string]any{
		"path":       destPath,
		"mode":       "add",
		"autorename": true,
		"mute":       true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.contentBase+"/2/files/upload", f)
	if err != nil {
		return "", &UploadError{Path: destPath, Body: err.Error()}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Dropbox-API-Arg", string(arg))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &UploadError{Path: destPath, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UploadError{Path: destPath, Status: resp.StatusCode, Body: string(respBody)}
	}

	var meta struct {
		PathDisplay string `json:"path_display"`
	}
	if err := json.Unmarshal(respBody, &meta); err != nil || meta.PathDisplay == "" {
		return destPath, nil
	}
	return meta.PathDisplay, nil
}

func fetchErrorFromStatus(ref string, resp *http.Response) *FetchError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &FetchError{Reason: FetchUnauthorized, Ref: ref, Err: err}
	case http.StatusNotFound, http.StatusConflict:
		// Dropbox reports path/link lookup failures as 409.
		return &FetchError{Reason: FetchNotFound, Ref: ref, Err: err}
	default:
		return &FetchError{Reason: FetchProviderError, Ref: ref, Err: err}
	}
}
