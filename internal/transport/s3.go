package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
)

// s3API is the subset of *s3.Client used here
type s3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Config struct {
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UseAccelerate bool
}

// S3 stores the mirror in a bucket: a directory id is a key prefix and a
// remote id is the full object key.
type S3 struct {
	client s3API
	bucket string
}

func NewS3(ctx context.Context, cfg *S3Config) (*S3, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
		config.WithAppID(version.AppID()),
	}
	// without static keys the default chain (env, profile, IMDS) applies
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	slog.Debug("transport", "backend", "s3", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return newS3WithClient(client, cfg.Bucket), nil
}

func newS3WithClient(client s3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) List(ctx context.Context, dirID string) ([]*RemoteEntry, error) {
	prefix := dirPrefix(dirID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(prefix),
	})

	var entries []*RemoteEntry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("list", dirID, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // folder placeholder
			}
			entries = append(entries, &RemoteEntry{
				ID:      key,
				Path:    strings.TrimPrefix(key, prefix),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Hash:    cleanETag(obj.ETag),
			})
		}
	}
	return entries, nil
}

func (s *S3) Upload(ctx context.Context, localPath, dirID, name string) (*RemoteEntry, error) {
	key := JoinID(dirID, name)

	file, err := os.Open(localPath)
	if err != nil {
		return nil, NewError("upload", key, localKind(err), err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, NewError("upload", key, KindPermanent, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(utils.DetectContentType(name)),
	})
	if err != nil {
		return nil, classifyS3("upload", key, err)
	}

	// PutObject does not return LastModified; head the object so the
	// fingerprint matches what the next listing will report.
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, classifyS3("upload", key, err)
	}

	return &RemoteEntry{
		ID:      key,
		Path:    name,
		Size:    aws.ToInt64(head.ContentLength),
		ModTime: aws.ToTime(head.LastModified),
		Hash:    cleanETag(head.ETag),
	}, nil
}

func (s *S3) Download(ctx context.Context, remoteID, localPath string) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &remoteID,
	})
	if err != nil {
		return classifyS3("download", remoteID, err)
	}
	defer resp.Body.Close()

	if _, err := utils.WriteFileAtomic(localPath, resp.Body, cleanETag(resp.ETag)); err != nil {
		if errors.Is(err, utils.ErrIntegrity) {
			// the object changed mid-flight or the body was truncated
			return NewError("download", remoteID, KindTransient, err)
		}
		return NewError("download", remoteID, localKind(err), err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, remoteID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &remoteID,
	})
	if err != nil {
		return classifyS3("delete", remoteID, err)
	}
	return nil
}

// CreateFolder needs no request: S3 folders are key prefixes.
func (s *S3) CreateFolder(_ context.Context, parentID, name string) (string, error) {
	return JoinID(parentID, name), nil
}

func dirPrefix(dirID string) string {
	if dirID == "" {
		return ""
	}
	return strings.TrimSuffix(dirID, "/") + "/"
}

// cleanETag strips quotes and drops multipart ETags, which are not MD5
// digests of the content.
func cleanETag(etag *string) string {
	v := strings.ReplaceAll(aws.ToString(etag), "\"", "")
	if strings.Contains(v, "-") {
		return ""
	}
	return v
}

var (
	s3NotFoundCodes  = []string{"NoSuchKey", "NotFound"}
	s3TransientCodes = []string{
		"SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "InternalError",
		"ServiceUnavailable", "Throttling", "ThrottlingException",
		"RequestLimitExceeded", "TooManyRequests", "OperationAborted",
	}
	s3QuotaCodes = []string{
		"QuotaExceeded", "ServiceQuotaExceeded", "XMinioStorageFull",
		"InsufficientStorage", "StorageQuotaExceeded",
	}
)

func classifyS3(op, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case slices.Contains(s3NotFoundCodes, code):
			return NewError(op, key, KindNotFound, err)
		case slices.Contains(s3TransientCodes, code):
			return NewError(op, key, KindTransient, err)
		case slices.Contains(s3QuotaCodes, code):
			return NewError(op, key, KindQuotaExceeded, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return NewError(op, key, KindNotFound, err)
		case status == http.StatusInsufficientStorage:
			return NewError(op, key, KindQuotaExceeded, err)
		case status == http.StatusTooManyRequests, status >= 500:
			return NewError(op, key, KindTransient, err)
		}
	}

	if kind, ok := classifyCommon(err); ok {
		return NewError(op, key, kind, err)
	}
	return NewError(op, key, KindPermanent, err)
}

