package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	pages     []*s3.ListObjectsV2Output
	listCalls int
	listErr   error
	putErr    error
	getBody   string
	getETag   string
	putKeys   []string
	putTypes  []string
	deleted   []string
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.pages[f.listCalls]
	f.listCalls++
	return page, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(5),
		LastModified:  aws.Time(time.Unix(1700000000, 0).UTC()),
		ETag:          aws.String(`"5d41402abc4b2a76b9719d911017c592"`),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader(f.getBody)),
		ETag: aws.String(f.getETag),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.putKeys = append(f.putKeys, aws.ToString(in.Key))
	f.putTypes = append(f.putTypes, aws.ToString(in.ContentType))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3_ListStripsPrefixAndPlaceholders(t *testing.T) {
	mod := time.Unix(1700000000, 0).UTC()
	fake := &fakeS3{pages: []*s3.ListObjectsV2Output{
		{
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("next"),
			Contents: []types.Object{
				{Key: aws.String("docs/"), Size: aws.Int64(0)},
				{Key: aws.String("docs/a.txt"), Size: aws.Int64(3), ETag: aws.String(`"abc"`), LastModified: &mod},
			},
		},
		{
			IsTruncated: aws.Bool(false),
			Contents: []types.Object{
				{Key: aws.String("docs/sub/big.bin"), Size: aws.Int64(9), ETag: aws.String(`"d41d-2"`), LastModified: &mod},
			},
		},
	}}

	entries, err := newS3WithClient(fake, "bucket").List(context.Background(), "docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "docs/a.txt", entries[0].ID)
	assert.Equal(t, "a.txt", entries[0].Path)
	assert.Equal(t, "abc", entries[0].Hash)
	assert.Equal(t, mod, entries[0].ModTime)

	assert.Equal(t, "sub/big.bin", entries[1].Path)
	assert.Empty(t, entries[1].Hash, "multipart etag is not a content hash")
}

func TestS3_UploadUsesHeadFingerprint(t *testing.T) {
	local := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	fake := &fakeS3{}
	entry, err := newS3WithClient(fake, "bucket").Upload(context.Background(), local, "docs", "sub/a.txt")
	require.NoError(t, err)

	assert.Equal(t, []string{"docs/sub/a.txt"}, fake.putKeys)
	assert.Equal(t, []string{"text/plain; charset=utf-8"}, fake.putTypes)
	assert.Equal(t, "docs/sub/a.txt", entry.ID)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", entry.Hash)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), entry.ModTime)
}

func TestS3_DownloadVerifiesETag(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out", "a.txt")

	ok := &fakeS3{getBody: "hello", getETag: `"5d41402abc4b2a76b9719d911017c592"`}
	require.NoError(t, newS3WithClient(ok, "bucket").Download(context.Background(), "docs/a.txt", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	bad := &fakeS3{getBody: "hellx", getETag: `"5d41402abc4b2a76b9719d911017c592"`}
	err = newS3WithClient(bad, "bucket").Download(context.Background(), "docs/a.txt", dst)
	assert.ErrorIs(t, err, ErrTransient)

	data, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data), "failed download must not clobber the file")
}

func TestClassifyS3(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", ErrNotFound},
		{"SlowDown", ErrTransient},
		{"InternalError", ErrTransient},
		{"XMinioStorageFull", ErrQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyS3("op", "k", &smithy.GenericAPIError{Code: tt.code})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	err := classifyS3("op", "k", &smithy.GenericAPIError{Code: "AccessDenied"})
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestS3_ListErrorIsClassified(t *testing.T) {
	fake := &fakeS3{listErr: &smithy.GenericAPIError{Code: "ServiceUnavailable"}}
	_, err := newS3WithClient(fake, "bucket").List(context.Background(), "docs")
	assert.ErrorIs(t, err, ErrTransient)

	fake = &fakeS3{listErr: errors.New("boom")}
	_, err = newS3WithClient(fake, "bucket").List(context.Background(), "docs")
	assert.Equal(t, KindPermanent, KindOf(err))
}
