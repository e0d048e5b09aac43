package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// maxRedirects caps redirect-following for plain HTTP fetches.
const maxRedirects = 5

var errTooManyRedirects = errors.New("stopped after 5 redirects")

// Fetcher resolves resource references into local scratch files.
type Fetcher struct {
	dropbox *Dropbox // nil when the provider is not configured
	client  *http.Client
	dir     string
	log     *slog.Logger
}

// NewFetcher returns a Fetcher writing into dir. dropbox may be nil, in which
// case shared-link and internal-path references fail with ErrNotConfigured.
func NewFetcher(dropbox *Dropbox, dir string, log *slog.Logger) *Fetcher {
	return &Fetcher{
		dropbox: dropbox,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// via holds the initial request plus the redirects already
				// taken, so a chain of exactly maxRedirects is still allowed.
				if len(via) > maxRedirects {
					return errTooManyRedirects
				}
				return nil
			},
		},
		dir: dir,
		log: log,
	}
}

// Fetch resolves raw into a scratch file, streaming the remote body to disk.
// The shared-link path is the exception: the provider returns the whole
// payload in one response, so it is buffered and written in one pass.
// fallbackExt is used when no extension can be inferred.
func (f *Fetcher) Fetch(ctx context.Context, raw, fallbackExt string) (*TempFile, error) {
	ref := ClassifyResource(raw)

	switch ref.Kind {
	case KindSharedLink:
		if f.dropbox == nil {
			return nil, &FetchError{Reason: FetchUnsupportedReference, Ref: raw, Err: ErrNotConfigured}
		}
		payload, name, err := f.dropbox.SharedLinkFile(ctx, raw)
		if err != nil {
			return nil, err
		}
		tmp := NewTempFile(f.dir, ExtFromName(name, fallbackExt))
		if err := os.WriteFile(tmp.Path, payload, 0o600); err != nil {
			return nil, &FetchError{Reason: FetchProviderError, Ref: raw, Err: err}
		}
		return tmp, nil

	case KindDropboxPath:
		if f.dropbox == nil {
			return nil, &FetchError{Reason: FetchUnsupportedReference, Ref: raw, Err: ErrNotConfigured}
		}
		link, name, err := f.dropbox.TemporaryLink(ctx, raw)
		if err != nil {
			return nil, err
		}
		ext := ExtFromName(name, ExtFromName(raw, fallbackExt))
		return f.streamHTTP(ctx, raw, link, ext)

	default:
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			return nil, &FetchError{Reason: FetchUnsupportedReference, Ref: raw}
		}
		return f.streamHTTP(ctx, raw, raw, ExtFromName(raw, fallbackExt))
	}
}

// streamHTTP GETs resolved and copies the body straight to a scratch file.
// ref is the original reference, kept for error reporting.
func (f *Fetcher) streamHTTP(ctx context.Context, ref, resolved, ext string) (*TempFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, &FetchError{Reason: FetchUnsupportedReference, Ref: ref, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Exceeding the redirect cap lands here too and is reported as a
		// transient-class failure, same as a stalled transfer.
		return nil, &FetchError{Reason: FetchNetworkTimeout, Ref: ref, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FetchError{Reason: FetchNotFound, Ref: ref}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &FetchError{Reason: FetchUnauthorized, Ref: ref}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &FetchError{Reason: FetchProviderError, Ref: ref, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	tmp := NewTempFile(f.dir, ext)
	out, err := os.Create(tmp.Path)
	if err != nil {
		return nil, &FetchError{Reason: FetchProviderError, Ref: ref, Err: err}
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		if rmErr := tmp.Release(); rmErr != nil {
			f.log.Warn("discard partial download", slog.String("path", tmp.Path), slog.String("error", rmErr.Error()))
		}
		return nil, &FetchError{Reason: FetchNetworkTimeout, Ref: ref, Err: err}
	}
	if err := out.Close(); err != nil {
		tmp.Release()
		return nil, &FetchError{Reason: FetchProviderError, Ref: ref, Err: err}
	}

	f.log.Debug("fetched resource",
		slog.String("ref", ref),
		slog.String("kind", ClassifyResource(ref).Kind.String()),
		slog.String("path", tmp.Path),
	)
	return tmp, nil
}
