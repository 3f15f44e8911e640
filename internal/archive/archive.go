// Package archive persists finished recordings to object storage. The
// recording server exposes each file behind a download URL; we fetch it and
// upload to a MinIO bucket so recordings outlive the server's local disk.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config contains object storage configuration.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	// Prefix is prepended to every object key, e.g. "recordings".
	Prefix string

	FetchTimeout   time.Duration
	ConnectTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *Config) fillDefaults() {
	if c.Prefix == "" {
		c.Prefix = "recordings"
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Store fetches recordings over HTTP and uploads them to MinIO.
type Store struct {
	client *minio.Client
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger
}

// NewStore creates the store and ensures the bucket exists.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.fillDefaults()

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &Store{
		client: client,
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.FetchTimeout},
		logger: logger.Named("archive"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info("created bucket", zap.String("bucket", cfg.Bucket))
	}

	return s, nil
}

// Archive downloads the recording at downloadURL and uploads it under
// <prefix>/<yyyy-mm-dd>/<fileName>. The download is staged to a temp file so
// upload retries can rewind.
func (s *Store) Archive(ctx context.Context, downloadURL, fileName string) error {
	if fileName == "" {
		fileName = path.Base(downloadURL)
	}

	tmp, size, err := s.fetch(ctx, downloadURL)
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	key := fmt.Sprintf("%s/%s/%s", s.cfg.Prefix, time.Now().UTC().Format("2006-01-02"), fileName)
	putOpts := minio.PutObjectOptions{ContentType: contentTypeFor(fileName)}

	op := func() error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
		}
		info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, tmp, size, putOpts)
		if err != nil {
			return err
		}
		s.logger.Info("recording archived",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("archive health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("archive health check: bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

func (s *Store) fetch(ctx context.Context, downloadURL string) (*os.File, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch recording: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch recording: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "callcore-archive-*")
	if err != nil {
		return nil, 0, fmt.Errorf("fetch recording: %w", err)
	}
	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, fmt.Errorf("fetch recording: %w", err)
	}
	return tmp, size, nil
}

func (s *Store) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.cfg.RetryBackoff > 0 {
		ebo.InitialInterval = s.cfg.RetryBackoff
	}
	ebo.Reset()
	if s.cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.cfg.MaxRetries))
	}
	return ebo
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
