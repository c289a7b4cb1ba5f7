package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"framechain/internal/config"
)

// S3Store uploads artifacts to a bucket and hands out presigned GET URLs,
// so the provider can fetch frames from a private bucket.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	expiry  time.Duration
	fetcher *Fetcher
	log     logrus.FieldLogger
}

// NewS3Store loads the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg config.S3Config, fetcher *Fetcher, log logrus.FieldLogger) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		expiry:  expiry,
		fetcher: fetcher,
		log:     log.WithField("component", "s3"),
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return cleanKey(key)
	}
	return path.Join(s.prefix, cleanKey(key))
}

func (s *S3Store) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	objectKey := s.objectKey(key)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        f,
		ContentType: aws.String(mime.String()),
	}); err != nil {
		return "", fmt.Errorf("storage: put s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("storage: presign s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	s.log.WithField("key", objectKey).Info("uploaded artifact")
	return req.URL, nil
}

// Download reads s3://bucket/key references through the SDK and anything
// else (presigned URLs included) through the fetcher.
func (s *S3Store) Download(ctx context.Context, ref, dst string) error {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return s.fetcher.Fetch(ctx, ref, dst)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return errors.New("storage: malformed s3 reference")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("storage: get %s: %w", ref, err)
	}
	defer out.Body.Close()
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, out.Body)
		return err
	})
}
