package relay

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResourceKind classifies how a source reference must be resolved to bytes.
type ResourceKind int

const (
	// KindHTTP is a plain http(s) URL fetched directly.
	KindHTTP ResourceKind = iota
	// KindSharedLink is a Dropbox shared link resolved through the sharing API.
	KindSharedLink
	// KindDropboxPath is a provider-namespaced path (leading "/") resolved
	// through a temporary signed download link.
	KindDropboxPath
)

func (k ResourceKind) String() string {
	switch k {
	case KindSharedLink:
		return "shared_link"
	case KindDropboxPath:
		return "dropbox_path"
	default:
		return "http"
	}
}

// ResourceRef is an immutable reference to a remote asset.
type ResourceRef struct {
	Kind ResourceKind
	Raw  string
}

// ClassifyResource pattern-matches a raw reference into a ResourceRef.
// Order matters: shared links are URLs too, so they are checked first,
// then internal paths, then anything else is treated as a generic URL.
func ClassifyResource(raw string) ResourceRef {
	if isSharedLink(raw) {
		return ResourceRef{Kind: KindSharedLink, Raw: raw}
	}
	if strings.HasPrefix(raw, "/") {
		return ResourceRef{Kind: KindDropboxPath, Raw: raw}
	}
	return ResourceRef{Kind: KindHTTP, Raw: raw}
}

func isSharedLink(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	return host == "dropbox.com" || strings.HasSuffix(host, ".dropbox.com") || host == "db.tt"
}

// TempFile is an owned scratch file. Exactly one party is responsible for
// calling Release; ownership may be handed from the pipeline to a response
// streamer, after which only the streamer releases it.
type TempFile struct {
	Path string

	once sync.Once
}

// NewTempFile reserves a unique path under dir. The name carries a time
// prefix plus a random identifier so concurrent requests can never collide.
// The file itself is not created; callers write to Path.
func NewTempFile(dir, ext string) *TempFile {
	name := fmt.Sprintf("relay-%d-%s%s", time.Now().UnixMilli(), uuid.NewString(), ext)
	return &TempFile{Path: filepath.Join(dir, name)}
}

// Release deletes the underlying file. It is safe to call more than once;
// only the first call touches the filesystem. A missing file is not an error.
func (f *TempFile) Release() error {
	var err error
	f.once.Do(func() {
		if rmErr := os.Remove(f.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

// ExtFromName returns the extension of a filename or URL path, or fallback
// if none can be determined.
func ExtFromName(name, fallback string) string {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	if ext := path.Ext(name); ext != "" && len(ext) <= 8 {
		return ext
	}
	return fallback
}

// MergeRequest is the body of POST /merge.
type MergeRequest struct {
	VideoURL    string `json:"videoUrl"`
	AudioURL    string `json:"audioUrl"`
	DropboxPath string `json:"dropboxPath,omitempty"`
	NoStream    bool   `json:"noStream,omitempty"`
}

// MergeAck is the JSON response for noStream merges.
type MergeAck struct {
	OK          bool   `json:"ok"`
	DropboxPath string `json:"dropboxPath,omitempty"`
}

// PostRequest is the body of POST /tiktok/post.
type PostRequest struct {
	DropboxPath string `json:"dropboxPath"`
	Caption     string `json:"caption"`
	Privacy     string `json:"privacy,omitempty"`
}

// PostResponse is the JSON response for POST /tiktok/post.
type PostResponse struct {
	OK        bool   `json:"ok"`
	PublishID string `json:"publish_id"`
	Cached    bool   `json:"cached,omitempty"`
}
