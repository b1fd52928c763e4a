package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/config"
)

// s3Mirror implements Uploader against S3-compatible object storage.
type s3Mirror struct {
	log    logrus.FieldLogger
	cfg    *config.UploadConfig
	client *s3.Client
}

// Compile-time interface check.
var _ Uploader = (*s3Mirror)(nil)

// NewS3Mirror creates an Uploader from the given configuration.
func NewS3Mirror(log logrus.FieldLogger, cfg *config.UploadConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload bucket is not configured")
	}

	return &s3Mirror{
		log:    log.WithField("component", "s3-mirror"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}, nil
}

// newS3Client builds an S3 client honoring custom endpoints, path-style
// addressing and static credentials for S3-compatible stores.
func newS3Client(cfg *config.UploadConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// Preflight writes a marker object to verify bucket connectivity and
// credentials before the first real mirror.
func (m *s3Mirror) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("modelyard write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.cfg.Bucket),
		Key:         aws.String(".modelyard-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", m.cfg.Bucket, err)
	}

	return nil
}

// MirrorVersion uploads every file under dir to
// <prefix>/<user>/<version>/<relative path>.
func (m *s3Mirror) MirrorVersion(ctx context.Context, user, version, dir string) error {
	prefix := m.keyPrefix(user, version)

	var (
		count int
		size  int64
	)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		key := prefix + "/" + filepath.ToSlash(rel)

		if err := m.putFile(ctx, path, key); err != nil {
			return fmt.Errorf("uploading %s: %w", rel, err)
		}

		count++
		size += info.Size()

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking version directory %s: %w", dir, err)
	}

	m.log.WithFields(logrus.Fields{
		"user":    user,
		"version": version,
		"files":   count,
		"bytes":   size,
		"bucket":  m.cfg.Bucket,
		"prefix":  prefix,
	}).Info("Version mirrored")

	return nil
}

// putFile uploads a single file.
func (m *s3Mirror) putFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	m.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": m.cfg.Bucket,
	}).Debug("Uploading file")

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(localPath)),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// keyPrefix builds the object key prefix for one version's files.
func (m *s3Mirror) keyPrefix(user, version string) string {
	prefix := m.cfg.Prefix
	if prefix == "" {
		prefix = "artifacts"
	}

	return strings.TrimRight(prefix, "/") + "/" + user + "/" + version
}

// detectContentType returns a MIME type based on the file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)

	switch ext {
	case "":
		return "application/octet-stream"
	case ".yaml", ".yml":
		// Missing from the platform mime table on most systems.
		return "application/yaml"
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}

	return "application/octet-stream"
}
