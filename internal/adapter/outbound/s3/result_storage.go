package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/imagegen/server/internal/port/outbound"
)

const (
	maxImageBytes   = 32 << 20
	maxParallelCopy = 4
)

// Config holds bucket configuration.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// PublicBaseURL is prepended to object keys to build the returned URLs.
	PublicBaseURL string
	Prefix        string
}

// ObjectPutter is the part of the S3 client used for re-hosting.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient creates an S3 client. A custom endpoint switches to path-style addressing for R2 and MinIO.
func NewClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is not configured")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ResultStorage copies provider result images into our bucket.
type ResultStorage struct {
	client  ObjectPutter
	http    *http.Client
	bucket  string
	baseURL string
	prefix  string
}

// NewResultStorage creates a result storage adapter.
func NewResultStorage(client ObjectPutter, httpClient *http.Client, cfg *Config) *ResultStorage {
	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &ResultStorage{
		client:  client,
		http:    httpClient,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		prefix:  cfg.Prefix,
	}
}

// Rehost downloads every URL and uploads it under <prefix><task id>/<index>.
// Nothing is returned unless every copy succeeded.
func (s *ResultStorage) Rehost(ctx context.Context, taskID uuid.UUID, urls []string) ([]string, error) {
	out := make([]string, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCopy)
	for i, src := range urls {
		i, src := i, src
		g.Go(func() error {
			key, err := s.copy(gctx, taskID, i, src)
			if err != nil {
				return fmt.Errorf("rehost result %d: %w", i, err)
			}
			out[i] = s.baseURL + "/" + key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ResultStorage) copy(ctx context.Context, taskID uuid.UUID, index int, src string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("download: image larger than %d bytes", maxImageBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	key := fmt.Sprintf("%s%s/%d%s", s.prefix, taskID, index, extensionFor(contentType))

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ""
}

// Compile-time check
var _ outbound.ResultStoragePort = (*ResultStorage)(nil)
