package attachments

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// S3Config configures the S3 resolver. Endpoint is set for S3-compatible
// stores such as MinIO; PublicBaseURL overrides the URL handed to clients.
type S3Config struct {
	Region        string
	Bucket        string
	Endpoint      string
	PublicBaseURL string
	KeyPrefix     string
	MaxBytes      int64
}

// S3Resolver uploads attachments to a bucket and returns public object URLs.
type S3Resolver struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	log      *zap.Logger
}

func NewS3Resolver(ctx context.Context, cfg S3Config, log *zap.Logger) (*S3Resolver, error) {
	awsConf, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "attachments"
	}
	log.Info("s3 attachment store configured", zap.String("bucket", cfg.Bucket), zap.String("region", cfg.Region))
	return &S3Resolver{client: client, uploader: manager.NewUploader(client), cfg: cfg, log: log}, nil
}

// Resolve uploads the attachment under a fresh key.
func (s *S3Resolver) Resolve(ctx context.Context, upload Upload) (string, error) {
	info, err := Inspect(upload, s.cfg.MaxBytes)
	if err != nil {
		return "", err
	}

	key := s.cfg.KeyPrefix + "/" + uuid.NewString() + info.Extension
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(upload.Data),
		ContentType: aws.String(info.MIME),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return objectURL(s.baseURL(), key), nil
}

// Discard deletes the object behind url.
func (s *S3Resolver) Discard(ctx context.Context, url string) error {
	key, ok := objectKey(s.baseURL(), url)
	if !ok {
		return fmt.Errorf("url %q is not served by bucket %s", url, s.cfg.Bucket)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3Resolver) baseURL() string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	if s.cfg.Endpoint != "" {
		return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", s.cfg.Bucket, s.cfg.Region)
}

func objectURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

func objectKey(base, url string) (string, bool) {
	prefix := strings.TrimRight(base, "/") + "/"
	if !strings.HasPrefix(url, prefix) || len(url) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}
