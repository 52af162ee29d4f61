package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sirupsen/logrus"
)

type S3Storage struct {
	client   s3iface.S3API
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	index    *sizeIndex
	log      *logrus.Entry
}

func NewS3Storage(logger *logrus.Logger, cfg *config.Config) *S3Storage {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		Credentials:      credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}

	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
	}

	sess := session.Must(session.NewSession(awsConfig))
	return newS3Storage(logger, s3.New(sess), cfg.S3Bucket, cfg.S3Prefix)
}

func newS3Storage(logger *logrus.Logger, client s3iface.S3API, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		index:    newSizeIndex(),
		log: logger.WithFields(logrus.Fields{
			"component": "s3_storage",
			"bucket":    bucket,
		}),
	}
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3Storage) name(key string) string {
	if s.prefix == "" {
		return key
	}
	return key[len(s.prefix)+1:]
}

// Sync rebuilds the size index from the bucket listing so Usage reflects
// objects written by earlier processes.
func (s *S3Storage) Sync(ctx context.Context) error {
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key("")),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			s.index.set(s.name(aws.StringValue(obj.Key)), aws.Int64Value(obj.Size))
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("s3 list failed: %w", err)
	}
	s.log.WithField("bytes", s.index.usage()).Info("S3 storage index synced")
	return nil
}

func (s *S3Storage) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	return content, nil
}

func (s *S3Storage) Put(ctx context.Context, name string, content []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}

	s.index.set(name, int64(len(content)))
	return nil
}

func (s *S3Storage) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	s.index.remove(name)
	return nil
}

func (s *S3Storage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	names, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(names); start += 1000 {
		end := min(start+1000, len(names))
		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, name := range names[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(s.key(name))})
		}

		out, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("s3 batch delete failed: %w", err)
		}

		failed := make(map[string]bool, len(out.Errors))
		for _, e := range out.Errors {
			failed[s.name(aws.StringValue(e.Key))] = true
			s.log.WithFields(logrus.Fields{
				"key":   aws.StringValue(e.Key),
				"error": aws.StringValue(e.Message),
			}).Warn("Failed to delete cached object")
		}
		for _, name := range names[start:end] {
			if !failed[name] {
				s.index.remove(name)
				deleted++
			}
		}
	}
	return deleted, nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			names = append(names, s.name(aws.StringValue(obj.Key)))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list failed: %w", err)
	}
	return names, nil
}

func (s *S3Storage) Usage() int64 {
	return s.index.usage()
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (s *S3Storage) Has(name string) bool {
	return s.index.has(name)
}
