package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	content, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(content))}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectsWithContext(_ aws.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.StringValue(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	page := &s3.ListObjectsV2Output{}
	for key, content := range f.objects {
		if strings.HasPrefix(key, aws.StringValue(in.Prefix)) {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(key), Size: aws.Int64(int64(len(content)))})
		}
	}
	fn(page, true)
	return nil
}

func TestS3Storage_PrefixedKeys(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{
		"scanperf/scan_results/a": []byte("one"),
		"scanperf/scan_results/b": []byte("two!"),
		"scanperf/db_queries/c":   []byte("x"),
		"other/scan_results/d":    []byte("ignored"),
	}}
	s := newS3Storage(quietLogger(), fake, "bucket", "/scanperf/")

	require.NoError(t, s.Sync(ctx))
	assert.EqualValues(t, 8, s.Usage())

	got, err := s.Get(ctx, "scan_results/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	_, err = s.Get(ctx, "scan_results/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.DeletePrefix(ctx, "scan_results/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, s.Usage())

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"db_queries/c"}, names)
}
