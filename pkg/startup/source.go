package startup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// OriginEmbedded is reported by Origin when the built-in stub is in use.
const OriginEmbedded = "embedded"

// maxSourceSize bounds a fetched agent artifact.
const maxSourceSize = 4 << 20

// S3API is the part of the S3 client the loader needs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SourceLoader resolves the agent source from a file path, an http(s) URL or
// an s3://bucket/key location. When the location is empty or cannot be read
// the built-in stub is used, so Source never returns an empty string.
type SourceLoader struct {
	location     string
	fetchTimeout time.Duration
	debounce     time.Duration
	httpClient   *http.Client
	s3           S3API
	logger       zerolog.Logger

	mu     sync.RWMutex
	source string
	origin string
}

var _ AgentSource = (*SourceLoader)(nil)

// SourceOption configures a SourceLoader.
type SourceOption func(*SourceLoader)

// WithFetchTimeout bounds a single load.
func WithFetchTimeout(d time.Duration) SourceOption {
	return func(l *SourceLoader) {
		l.fetchTimeout = d
	}
}

// WithHTTPClient sets the client used for http(s) locations.
func WithHTTPClient(c *http.Client) SourceOption {
	return func(l *SourceLoader) {
		l.httpClient = c
	}
}

// WithS3Client sets the client used for s3 locations.
func WithS3Client(c S3API) SourceOption {
	return func(l *SourceLoader) {
		l.s3 = c
	}
}

// WithDebounce sets how long Watch waits for writes to settle.
func WithDebounce(d time.Duration) SourceOption {
	return func(l *SourceLoader) {
		l.debounce = d
	}
}

// NewSourceLoader creates a loader for location. The stub is active until Load succeeds.
func NewSourceLoader(location string, logger zerolog.Logger, opts ...SourceOption) *SourceLoader {
	l := &SourceLoader{
		location:     strings.TrimSpace(location),
		fetchTimeout: 30 * time.Second,
		debounce:     500 * time.Millisecond,
		httpClient:   http.DefaultClient,
		logger:       logger.With().Str("component", "agent-source").Logger(),
		source:       agentStub,
		origin:       OriginEmbedded,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Source implements AgentSource.
func (l *SourceLoader) Source() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.source
}

// Origin returns the location the current source came from.
func (l *SourceLoader) Origin() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.origin
}

// Load reads the configured location. On failure the previous source is kept
// and the error is returned for the caller to report.
func (l *SourceLoader) Load(ctx context.Context) error {
	if l.location == "" {
		l.logger.Debug().Msg("No agent source configured, using built-in stub")
		return nil
	}

	if l.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.fetchTimeout)
		defer cancel()
	}

	src, err := l.fetch(ctx)
	if err != nil {
		return fmt.Errorf("load agent source %s: %w", l.location, err)
	}
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("load agent source %s: empty artifact", l.location)
	}

	l.mu.Lock()
	l.source = src
	l.origin = l.location
	l.mu.Unlock()

	l.logger.Info().
		Str("location", l.location).
		Int("bytes", len(src)).
		Msg("Loaded agent source")
	return nil
}

func (l *SourceLoader) fetch(ctx context.Context) (string, error) {
	u, err := url.Parse(l.location)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := l.location
		if err == nil && u.Scheme == "file" {
			path = u.Path
		}
		return readFile(path)
	}

	switch u.Scheme {
	case "http", "https":
		return l.fetchHTTP(ctx, u.String())
	case "s3":
		return l.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *SourceLoader) fetchHTTP(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	return readLimited(resp.Body)
}

func (l *SourceLoader) fetchS3(ctx context.Context, bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", errors.New("s3 location must be s3://bucket/key")
	}

	if l.s3 == nil {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to load AWS config: %w", err)
		}
		l.s3 = s3.NewFromConfig(cfg)
	}

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	return readLimited(out.Body)
}

func readLimited(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSourceSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxSourceSize {
		return "", fmt.Errorf("artifact larger than %d bytes", maxSourceSize)
	}
	return string(data), nil
}

// localPath returns the filesystem path of a file location.
func (l *SourceLoader) localPath() (string, bool) {
	if l.location == "" {
		return "", false
	}
	u, err := url.Parse(l.location)
	if err != nil || u.Scheme == "" {
		return l.location, true
	}
	if u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

// Watch reloads a file location whenever it changes, until ctx is done.
// It is a no-op for remote locations.
func (l *SourceLoader) Watch(ctx context.Context) error {
	path, ok := l.localPath()
	if !ok {
		return nil
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve agent source path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go l.processEvents(ctx, watcher, path)

	l.logger.Info().Str("path", path).Msg("Watching agent source")
	return nil
}

func (l *SourceLoader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Agent source changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.debounce, func() {
				if err := l.Load(ctx); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload agent source")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Agent source watcher error")
		}
	}
}
