package relay

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"merge-relay/internal/platform/metrics"
)

// Stage names the states of one merge pipeline run.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageDownloading Stage = "downloading"
	StageMerging     Stage = "merging"
	StageUploading   Stage = "uploading"
	StageReturning   Stage = "returning"
	StageCleanup     Stage = "cleanup"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// ResourceFetcher resolves a reference into a scratch file.
type ResourceFetcher interface {
	Fetch(ctx context.Context, raw, fallbackExt string) (*TempFile, error)
}

// MergeRunner combines a video and an audio file into a scratch output.
type MergeRunner interface {
	Merge(ctx context.Context, videoPath, audioPath string) (*TempFile, error)
}

// Uploader persists a local file to cloud storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, destPath string) (string, error)
}

// Publisher drives the direct-post protocol against the short-video platform.
type Publisher interface {
	InitDirectPost(ctx context.Context, title, privacy string, size int64) (DirectPost, error)
	UploadChunk(ctx context.Context, uploadURL, localPath string) error
	PostStatus(ctx context.Context, publishID string) (map[string]any, error)
}

// MergeResult is the outcome of a successful pipeline run. Ownership of
// Output transfers to the caller, which must release it.
type MergeResult struct {
	Output      *TempFile
	DropboxPath string
}

// Service sequences fetch → merge → upload → publish and guarantees that
// every scratch file it creates is released exactly once on every exit path.
type Service struct {
	fetcher  ResourceFetcher
	merger   MergeRunner
	uploader Uploader  // nil when cloud storage is not configured
	tiktok   Publisher // nil when the publish subsystem is not configured
	idem     *IdempotencyStore
	sources  []*TokenSource
	log      *slog.Logger
	metrics  *metrics.Metrics // nil disables metric recording
}

// NewService wires the pipeline. uploader, tiktok, and metrics may be nil.
func NewService(fetcher ResourceFetcher, merger MergeRunner, uploader Uploader, tiktok Publisher, idem *IdempotencyStore, sources []*TokenSource, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		fetcher:  fetcher,
		merger:   merger,
		uploader: uploader,
		tiktok:   tiktok,
		idem:     idem,
		sources:  sources,
		log:      log,
		metrics:  m,
	}
}

// pipeline tracks one run's stage and its open scratch files.
type pipeline struct {
	stage Stage
	held  []*TempFile
	log   *slog.Logger
}

func (p *pipeline) transition(to Stage) {
	p.log.Debug("pipeline transition", slog.String("from", string(p.stage)), slog.String("to", string(to)))
	p.stage = to
}

func (p *pipeline) hold(f *TempFile) {
	if f != nil {
		p.held = append(p.held, f)
	}
}

// releaseAll releases every held file. Failures are logged and swallowed;
// cleanup never escalates.
func (p *pipeline) releaseAll() {
	for _, f := range p.held {
		if err := f.Release(); err != nil && !os.IsNotExist(err) {
			p.log.Warn("temp file cleanup failed", slog.String("path", f.Path), slog.String("error", err.Error()))
		}
	}
	p.held = nil
}

// fail moves the pipeline through Failed → Cleanup → Done and returns err.
func (p *pipeline) fail(err error) error {
	p.transition(StageFailed)
	p.transition(StageCleanup)
	p.releaseAll()
	p.transition(StageDone)
	return err
}

// RunMerge executes one merge request: downloads both sources (in parallel),
// merges them, and optionally uploads the output. On success the returned
// result owns the merged file; the inputs are already released. On failure
// everything created so far is released before the error is returned.
func (s *Service) RunMerge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if req.VideoURL == "" || req.AudioURL == "" {
		return nil, ErrMissingSources
	}

	if s.metrics != nil {
		s.metrics.PipelineStarted()
		defer s.metrics.PipelineDone()
	}

	p := &pipeline{stage: StageIdle, log: s.log}

	p.transition(StageDownloading)
	var video, audio *TempFile
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f, err := s.fetcher.Fetch(gctx, req.VideoURL, ".mp4")
		mu.Lock()
		video = f
		p.hold(f)
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		f, err := s.fetcher.Fetch(gctx, req.AudioURL, ".mp3")
		mu.Lock()
		audio = f
		p.hold(f)
		mu.Unlock()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, p.fail(err)
	}

	p.transition(StageMerging)
	out, err := s.merger.Merge(ctx, video.Path, audio.Path)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncMergeFailures()
		}
		return nil, p.fail(err)
	}
	if s.metrics != nil {
		s.metrics.IncMerges()
	}

	// The inputs are no longer needed; only the output survives this point.
	p.releaseAll()

	result := &MergeResult{Output: out}

	if req.DropboxPath != "" {
		p.transition(StageUploading)
		if s.uploader == nil {
			p.hold(out)
			return nil, p.fail(ErrNotConfigured)
		}
		dest, err := s.uploader.Upload(ctx, out.Path, req.DropboxPath)
		if err != nil {
			p.hold(out)
			return nil, p.fail(err)
		}
		result.DropboxPath = dest
	}

	p.transition(StageReturning)
	return result, nil
}

// Publish runs the direct-post protocol for a file already in cloud storage.
// If idemKey was seen before, the recorded publish id is returned without
// touching the platform again; otherwise the id is recorded right after a
// successful init so retries are suppressed even if later steps fail.
func (s *Service) Publish(ctx context.Context, req PostRequest, idemKey string) (PostResponse, error) {
	if s.tiktok == nil {
		return PostResponse{}, ErrNotConfigured
	}

	if idemKey != "" {
		if id, ok := s.idem.Lookup(idemKey); ok {
			s.log.Info("publish suppressed by idempotency key", slog.String("publish_id", id))
			return PostResponse{OK: true, PublishID: id, Cached: true}, nil
		}
	}

	local, err := s.fetcher.Fetch(ctx, req.DropboxPath, ".mp4")
	if err != nil {
		return PostResponse{}, err
	}
	defer func() {
		if rmErr := local.Release(); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn("temp file cleanup failed", slog.String("path", local.Path), slog.String("error", rmErr.Error()))
		}
	}()

	info, err := os.Stat(local.Path)
	if err != nil {
		return PostResponse{}, &PublishError{Op: "init", Err: err}
	}

	post, err := s.tiktok.InitDirectPost(ctx, req.Caption, req.Privacy, info.Size())
	if err != nil {
		return PostResponse{}, err
	}
	if idemKey != "" {
		s.idem.Record(idemKey, post.PublishID)
	}

	if err := s.tiktok.UploadChunk(ctx, post.UploadURL, local.Path); err != nil {
		return PostResponse{}, err
	}

	if s.metrics != nil {
		s.metrics.IncPublishes()
	}
	s.log.Info("publish initiated", slog.String("publish_id", post.PublishID))
	return PostResponse{OK: true, PublishID: post.PublishID}, nil
}

// PublishStatus returns the platform's status fields for a publish id.
func (s *Service) PublishStatus(ctx context.Context, publishID string) (map[string]any, error) {
	if s.tiktok == nil {
		return nil, ErrNotConfigured
	}
	return s.tiktok.PostStatus(ctx, publishID)
}

// WarmTokens refreshes every configured provider's token cache concurrently.
// Failures are logged per provider and never surface; one provider failing
// must not block warming the others.
func (s *Service) WarmTokens(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range s.sources {
		wg.Add(1)
		go func(src *TokenSource) {
			defer wg.Done()
			if _, err := src.Token(ctx); err != nil {
				s.log.Warn("token warm-up failed", slog.String("provider", src.Provider()), slog.String("error", err.Error()))
			}
		}(src)
	}
	wg.Wait()
}
