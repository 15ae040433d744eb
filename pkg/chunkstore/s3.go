package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/eunmann/olapcube/pkg/chunk"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps one object per chunk under a key prefix. A chunk is uploaded
// in a single PutObject when its writer closes, so partially written chunks
// are never visible.
type S3Store struct {
	client      S3API
	bucket      string
	prefix      string
	compression Compression
}

// NewS3Store returns a store backed by client.
func NewS3Store(client S3API, bucket, prefix string, c Compression) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if _, err := c.code(); err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, compression: c}, nil
}

// NewS3StoreFromConfig creates an S3 client using default AWS configuration.
func NewS3StoreFromConfig(ctx context.Context, bucket, prefix string, c Compression) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix, c)
}

// Key returns the object key of a chunk.
func (s *S3Store) Key(id chunk.ID) string {
	return path.Join(s.prefix, fmt.Sprintf("%d.chunk", id))
}

func (s *S3Store) OpenWriter(ctx context.Context, id chunk.ID) (Writer, error) {
	key := s.Key(id)
	return newBufferedWriter(id, s.compression, func(b []byte) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(b),
			ContentLength: aws.Int64(int64(len(b))),
		})
		if err != nil {
			return fmt.Errorf("put object s3://%s/%s: %w", s.bucket, key, err)
		}
		return nil
	})
}

func (s *S3Store) OpenReader(ctx context.Context, id chunk.ID) (Reader, error) {
	key := s.Key(id)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, IOError("open", id, ErrNotFound)
		}
		return nil, IOError("open", id, fmt.Errorf("get object s3://%s/%s: %w", s.bucket, key, err))
	}

	dec, err := NewDecoder(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, IOError("open", id, err)
	}
	return &decodeReader{Decoder: dec, id: id, src: resp.Body}, nil
}

func (s *S3Store) Delete(ctx context.Context, id chunk.ID) error {
	key := s.Key(id)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return IOError("delete", id, fmt.Errorf("delete object s3://%s/%s: %w", s.bucket, key, err))
	}
	return nil
}
