package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"faceswap_access/config"
	"faceswap_access/models"
)

const (
	defaultExtension = "jpg"
	suffixLength     = 9
)

// SizeProber reports the byte size of the asset at uri
type SizeProber func(ctx context.Context, uri string) (int64, error)

// Opener opens the asset at uri for reading
type Opener func(ctx context.Context, uri string) (io.ReadCloser, error)

// StateFunc receives upload lifecycle transitions
type StateFunc func(state models.UploadState)

// AggregateFunc receives batch progress after each item finishes
type AggregateFunc func(completed, total int)

// FileProgressFunc receives the fraction sent for the batch item at index
type FileProgressFunc func(index int, fraction float64)

// Uploader stores local assets in an object-storage bucket
type Uploader struct {
	cfg        config.StorageConfig
	httpClient *http.Client
	probe      SizeProber
	open       Opener
	now        func() time.Time

	mu           sync.Mutex
	newTransport func(config.StorageConfig) (Transport, error)
	transport    Transport
}

// Option configures an Uploader
type Option func(*Uploader)

// WithTransport uses t instead of building an S3Transport on Initialize
func WithTransport(t Transport) Option {
	return func(u *Uploader) {
		u.newTransport = func(config.StorageConfig) (Transport, error) { return t, nil }
	}
}

// WithSizeProber replaces the default HEAD/stat size probe
func WithSizeProber(p SizeProber) Option {
	return func(u *Uploader) { u.probe = p }
}

// WithOpener replaces the default file/HTTP source opener
func WithOpener(o Opener) Option {
	return func(u *Uploader) { u.open = o }
}

// WithClock sets the time source used for object keys
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// New creates an uninitialized Uploader
func New(cfg config.StorageConfig, opts ...Option) *Uploader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	u := &Uploader{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		newTransport: func(c config.StorageConfig) (Transport, error) {
			return NewS3Transport(c)
		},
	}
	u.probe = u.probeSize
	u.open = u.openSource
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Initialize builds the storage client. Calls after the first success are no-ops.
func (u *Uploader) Initialize(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.transport != nil {
		return nil
	}

	t, err := u.newTransport(u.cfg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("bucket", u.cfg.Bucket).Msg("Failed to initialize storage client")
		return err
	}
	u.transport = t

	zerolog.Ctx(ctx).Info().
		Str("bucket", u.cfg.Bucket).
		Str("region", u.cfg.Region).
		Msg("Storage client initialized")
	return nil
}

// IsInitialized reports whether a storage client is held
func (u *Uploader) IsInitialized() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.transport != nil
}

// Reinitialize drops the current client and builds a new one
func (u *Uploader) Reinitialize(ctx context.Context) error {
	u.Dispose()
	return u.Initialize(ctx)
}

// Dispose releases the storage client
func (u *Uploader) Dispose() {
	u.mu.Lock()
	u.transport = nil
	u.mu.Unlock()
}

func (u *Uploader) client(ctx context.Context) (Transport, error) {
	if err := u.Initialize(ctx); err != nil {
		return nil, wrapError(CodeNotInitialized, true, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.transport == nil {
		return nil, wrapError(CodeNotInitialized, true, errors.New("storage client disposed"))
	}
	return u.transport, nil
}

// UploadFile uploads one asset under prefix. Failures are returned as an
// unsuccessful outcome, never as an error.
func (u *Uploader) UploadFile(ctx context.Context, desc models.UploadDescriptor, prefix string, onProgress ProgressFunc, onState StateFunc) models.UploadOutcome {
	logger := zerolog.Ctx(ctx)

	transport, err := u.client(ctx)
	if err != nil {
		return failed(err)
	}

	size, err := u.validate(ctx, desc)
	if err != nil {
		logger.Warn().Str("uri", desc.LocalURI).Err(err).Msg("Upload rejected")
		return failed(err)
	}

	key := u.objectKey(prefix, desc)
	contentType := contentTypeFor(desc, key)

	emitState(onState, models.UploadUploading)

	body, err := u.open(ctx, desc.LocalURI)
	if err != nil {
		emitState(onState, models.UploadError)
		return failed(wrapError(CodeSourceUnreadable, false, err))
	}
	defer body.Close()

	progress := func(sent, total int64) {
		if onProgress != nil && total > 0 {
			onProgress(sent, total)
		}
	}

	etag, err := transport.PutObject(ctx, key, body, size, contentType, progress)
	if err != nil {
		emitState(onState, models.UploadError)
		logger.Error().Str("key", key).Err(err).Msg("Upload failed")
		return failed(classifyTransportError(err))
	}

	emitState(onState, models.UploadCompleted)

	origin := u.originURL(key)
	logger.Info().
		Str("key", key).
		Int64("size", size).
		Msg("Upload completed")

	return models.UploadOutcome{
		Success: true,
		URL:     origin,
		CDNURL:  u.CDNURL(origin),
		Key:     key,
		ETag:    strings.Trim(etag, `"`),
		Size:    size,
	}
}

// UploadMultipleFiles uploads descs one after another, each under
// {basePath}/file_{index}. The result always has len(descs) entries.
func (u *Uploader) UploadMultipleFiles(ctx context.Context, descs []models.UploadDescriptor, basePath string, onAggregate AggregateFunc, onPerFile FileProgressFunc) []models.UploadOutcome {
	outcomes := make([]models.UploadOutcome, 0, len(descs))
	total := len(descs)

	for i, desc := range descs {
		prefix := fmt.Sprintf("%s/file_%d", strings.TrimRight(basePath, "/"), i)
		outcome := u.uploadItem(ctx, i, desc, prefix, onPerFile)
		outcomes = append(outcomes, outcome)

		if onAggregate != nil {
			onAggregate(i+1, total)
		}
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
	}
	zerolog.Ctx(ctx).Info().
		Str("base_path", basePath).
		Int("total", total).
		Int("succeeded", succeeded).
		Msg("Batch upload finished")

	return outcomes
}

func (u *Uploader) uploadItem(ctx context.Context, index int, desc models.UploadDescriptor, prefix string, onPerFile FileProgressFunc) (outcome models.UploadOutcome) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Int("index", index).Interface("panic", r).Msg("Batch item panicked")
			outcome = failed(wrapError(CodeUploadFailed, false, fmt.Errorf("panic: %v", r)))
		}
	}()

	var progress ProgressFunc
	if onPerFile != nil {
		progress = func(sent, total int64) {
			onPerFile(index, float64(sent)/float64(total))
		}
	}
	return u.UploadFile(ctx, desc, prefix, progress, nil)
}

// DeleteFile removes key, reporting false on any failure
func (u *Uploader) DeleteFile(ctx context.Context, key string) bool {
	logger := zerolog.Ctx(ctx)

	if key == "" {
		return false
	}
	transport, err := u.client(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Delete skipped")
		return false
	}
	if err := transport.RemoveObject(ctx, key); err != nil {
		logger.Warn().Str("key", key).Err(err).Msg("Delete failed")
		return false
	}
	logger.Info().Str("key", key).Msg("Object deleted")
	return true
}

// GetFileURL returns the public URL for key, on the CDN when one is configured
func (u *Uploader) GetFileURL(key string) string {
	host := u.cfg.OriginHost()
	if u.cfg.CDNDomain != "" {
		host = u.cfg.CDNDomain
	}
	return (&url.URL{Scheme: u.cfg.Scheme(), Host: host, Path: "/" + strings.TrimLeft(key, "/")}).String()
}

// CDNURL swaps the bucket origin host in originURL for the CDN domain.
// URLs on other hosts, and all URLs when no CDN is configured, are returned unchanged.
func (u *Uploader) CDNURL(originURL string) string {
	if u.cfg.CDNDomain == "" {
		return originURL
	}
	parsed, err := url.Parse(originURL)
	if err != nil || !strings.EqualFold(parsed.Host, u.cfg.OriginHost()) {
		return originURL
	}
	parsed.Host = u.cfg.CDNDomain
	return parsed.String()
}

func (u *Uploader) originURL(key string) string {
	return (&url.URL{Scheme: u.cfg.Scheme(), Host: u.cfg.OriginHost(), Path: "/" + key}).String()
}

// validate checks desc and returns the byte size to upload.
func (u *Uploader) validate(ctx context.Context, desc models.UploadDescriptor) (int64, error) {
	if strings.TrimSpace(desc.LocalURI) == "" {
		return 0, wrapError(CodeInvalidDescriptor, false, errors.New("file path is empty"))
	}

	var size int64
	if desc.Size != nil {
		size = *desc.Size
	}
	if size <= 0 {
		probed, err := u.probe(ctx, desc.LocalURI)
		if err != nil {
			return 0, wrapError(CodeSizeProbeFailed, true, err)
		}
		size = probed
	}

	if u.cfg.MaxFileSize > 0 && size > u.cfg.MaxFileSize {
		return 0, wrapError(CodeFileTooLarge, false,
			fmt.Errorf("file size %d exceeds limit of %d bytes", size, u.cfg.MaxFileSize))
	}
	return size, nil
}

// objectKey builds {prefix}/{unixMillis}_{random}.{ext}.
func (u *Uploader) objectKey(prefix string, desc models.UploadDescriptor) string {
	ext := extension(desc.Name)
	if ext == "" {
		ext = extension(sourcePath(desc.LocalURI))
	}
	if ext == "" {
		ext = defaultExtension
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
	name := fmt.Sprintf("%d_%s.%s", u.now().UnixMilli(), suffix, ext)

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

func contentTypeFor(desc models.UploadDescriptor, key string) string {
	if desc.Type != "" && strings.Contains(desc.Type, "/") {
		return desc.Type
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func emitState(fn StateFunc, state models.UploadState) {
	if fn != nil {
		fn(state)
	}
}

func failed(err error) models.UploadOutcome {
	return models.UploadOutcome{Success: false, ErrorMessage: err.Error()}
}

func isRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// sourcePath strips a file:// scheme and any query from uri.
func sourcePath(uri string) string {
	if isRemote(uri) {
		if parsed, err := url.Parse(uri); err == nil {
			return parsed.Path
		}
		return uri
	}
	return strings.TrimPrefix(uri, "file://")
}

// probeSize issues a HEAD request for remote URIs and stats local files.
func (u *Uploader) probeSize(ctx context.Context, uri string) (int64, error) {
	if !isRemote(uri) {
		info, err := os.Stat(sourcePath(uri))
		if err != nil {
			return 0, err
		}
		if info.IsDir() {
			return 0, fmt.Errorf("%s is a directory", uri)
		}
		return info.Size(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("size probe returned HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, errors.New("size probe returned no content length")
	}
	return resp.ContentLength, nil
}

func (u *Uploader) openSource(ctx context.Context, uri string) (io.ReadCloser, error) {
	if !isRemote(uri) {
		return os.Open(sourcePath(uri))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("source returned HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}
