package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/olapcube/pkg/logging"
)

// IsS3URI reports whether uri names an S3 object.
func IsS3URI(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

// ParseS3URI splits s3://bucket/key into bucket and key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !IsS3URI(uri) {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}
	bucket, key, _ = strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if bucket == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}
	if key == "" {
		return "", "", fmt.Errorf("invalid S3 URI %q: missing object key", uri)
	}
	return bucket, key, nil
}

// FetchConfig configures downloads of input objects.
type FetchConfig struct {
	// Dir receives the downloaded files.
	Dir string
	// Concurrency is the number of objects downloaded at once. Default: 4
	Concurrency int
	// PartConcurrency is the number of parallel range requests per object.
	// Default: max(4, NumCPU) capped at 16.
	PartConcurrency int
	// PartSize is the size of each range request. Default: 16MiB
	PartSize int64
}

// DefaultFetchConfig returns defaults based on the current machine.
func DefaultFetchConfig(dir string) FetchConfig {
	return FetchConfig{
		Dir:             dir,
		Concurrency:     4,
		PartConcurrency: min(max(runtime.NumCPU(), 4), 16),
		PartSize:        16 * 1024 * 1024,
	}
}

// Fetcher downloads input objects from S3 to local files so that every
// format, Parquet included, can be read with random access.
type Fetcher struct {
	manager *manager.Downloader
	cfg     FetchConfig
}

// NewFetcher returns a fetcher over an existing S3 client.
func NewFetcher(client manager.DownloadAPIClient, cfg FetchConfig) *Fetcher {
	def := DefaultFetchConfig(cfg.Dir)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PartConcurrency <= 0 {
		cfg.PartConcurrency = def.PartConcurrency
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	mgr := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.Concurrency = cfg.PartConcurrency
		d.PartSize = cfg.PartSize
	})
	return &Fetcher{manager: mgr, cfg: cfg}
}

// NewFetcherFromConfig loads the default AWS configuration.
func NewFetcherFromConfig(ctx context.Context, cfg FetchConfig) (*Fetcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewFetcher(s3.NewFromConfig(awsCfg), cfg), nil
}

// Fetch downloads every URI concurrently and returns the local paths in
// input order. Local file names keep the object's base name, prefixed with
// its position so that equal names do not collide.
func (f *Fetcher) Fetch(ctx context.Context, uris []string) ([]string, error) {
	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	log := logging.WithComponent("source")

	paths := make([]string, len(uris))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, uri := range uris {
		g.Go(func() error {
			bucket, key, err := ParseS3URI(uri)
			if err != nil {
				return err
			}
			path := filepath.Join(f.cfg.Dir, strconv.Itoa(i)+"-"+filepath.Base(key))
			n, err := f.download(ctx, bucket, key, path)
			if err != nil {
				return err
			}
			log.Debug().Str("uri", uri).Int64("bytes", n).Msg("input downloaded")
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch inputs: %w", err)
	}
	return paths, nil
}

func (f *Fetcher) download(ctx context.Context, bucket, key, path string) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create destination file: %w", err)
	}
	n, err := f.manager.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return n, nil
}
