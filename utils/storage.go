package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"maildesk/config"
)

// AttachmentStore persists raw attachment bytes outside the relational store.
// Save returns the path the Attachment row should reference.
type AttachmentStore interface {
	Save(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// NewAttachmentStore picks the S3 backend when a bucket is configured and
// falls back to local disk otherwise.
func NewAttachmentStore() (AttachmentStore, error) {
	if config.AppConfig.S3Bucket != "" {
		return NewS3Store(
			config.AppConfig.S3Endpoint,
			config.AppConfig.S3Region,
			config.AppConfig.S3Bucket,
			config.AppConfig.S3Key,
			config.AppConfig.S3Secret,
		)
	}
	return &DiskStore{Root: config.AppConfig.AttachmentDir}, nil
}

// DiskStore writes attachments under a root directory.
type DiskStore struct {
	Root string
}

func (s *DiskStore) Save(_ context.Context, key, _ string, data []byte) (string, error) {
	path := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return path, nil
}

// S3Store uploads attachments to an S3-compatible bucket.
type S3Store struct {
	uploader *s3manager.Uploader
	bucket   string
}

func NewS3Store(endpoint, region, bucket, key, secret string) (*S3Store, error) {
	cfg := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(key, secret, ""),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return &S3Store{
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

func (s *S3Store) Save(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
