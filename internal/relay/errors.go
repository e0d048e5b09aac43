package relay

import (
	"errors"
	"fmt"
)

// FetchReason distinguishes why remote acquisition failed.
type FetchReason string

const (
	FetchNotFound             FetchReason = "not_found"
	FetchUnauthorized         FetchReason = "unauthorized"
	FetchNetworkTimeout       FetchReason = "network_timeout"
	FetchUnsupportedReference FetchReason = "unsupported_reference"
	FetchProviderError        FetchReason = "provider_error"
)

// FetchError reports a failure to resolve a resource reference to bytes.
type FetchError struct {
	Reason FetchReason
	Ref    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Ref, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TokenRefreshError reports a failed refresh-token exchange. Status and Body
// carry the upstream response for diagnostics.
type TokenRefreshError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *TokenRefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s token refresh: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s token refresh: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// MergeError reports a non-zero exit from the external transcode process.
type MergeError struct {
	ExitCode   int
	StderrTail string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.StderrTail)
}

// UploadError reports a cloud-storage upload rejection.
type UploadError struct {
	Path   string
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: status %d: %s", e.Path, e.Status, e.Body)
}

// PublishError reports a failure in the short-video publish protocol.
// Op is one of "init", "upload", "status".
type PublishError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("publish %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("publish %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *PublishError) Unwrap() error { return e.Err }

var (
	// ErrTooLarge is returned when a file exceeds the simple-upload ceiling.
	ErrTooLarge = errors.New("file exceeds the 150MB upload limit")

	// ErrNotConfigured is returned when a provider's credentials are absent.
	ErrNotConfigured = errors.New("provider is not configured")

	// ErrMissingSources is returned when a merge request omits a source.
	ErrMissingSources = errors.New("videoUrl and audioUrl are required")
)
