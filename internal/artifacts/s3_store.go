package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3StoreConfig configures an S3-compatible artifact store.
type S3StoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// DefaultS3StoreConfig returns the default configuration.
func DefaultS3StoreConfig() *S3StoreConfig {
	return &S3StoreConfig{
		Region: "us-east-1",
	}
}

// s3API is the subset of the S3 client used by the store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store stores artifacts in an S3-compatible bucket under
// <prefix>/<session>/<filename>/<version>.
//
// Version numbers are allocated by listing existing keys, so one bridge
// process should own a prefix.
type S3Store struct {
	mu     sync.Mutex
	client s3API
	bucket string
	prefix string
}

// NewS3Store creates a new S3-backed artifact store.
func NewS3Store(ctx context.Context, cfg *S3StoreConfig) (*S3Store, error) {
	if cfg == nil {
		cfg = DefaultS3StoreConfig()
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, bucket, cfg.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Save uploads data as the next version of the file.
func (s *S3Store) Save(ctx context.Context, obj Object, data io.Reader) (int, error) {
	if err := obj.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.listVersions(ctx, s.fileKey(obj.SessionKey, obj.Filename))
	if err != nil {
		return 0, err
	}
	version := 1
	if n := len(versions); n > 0 {
		version = versions[n-1] + 1
	}

	key := s.versionKey(obj.SessionKey, obj.Filename, version)
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   data,
	}
	if obj.MimeType != "" {
		input.ContentType = aws.String(obj.MimeType)
	}
	if obj.Owner != "" {
		input.Metadata = map[string]string{"owner": obj.Owner}
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("s3 put object: %w", err)
	}
	return version, nil
}

// LoadBytes downloads a stored version.
func (s *S3Store) LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	if version == Latest {
		versions, err := s.listVersions(ctx, s.fileKey(sessionKey, filename))
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, notFound(sessionKey, filename, version)
		}
		version = versions[len(versions)-1]
	}

	key := s.versionKey(sessionKey, filename, version)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(sessionKey, filename, version)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

// DeleteSession removes every object below the session prefix.
func (s *S3Store) DeleteSession(ctx context.Context, sessionKey string) error {
	prefix := s.sessionKey(sessionKey) + "/"
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("s3 list objects: %w", err)
		}
		if len(page.Contents) > 0 {
			ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: &s.bucket,
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			}); err != nil {
				return fmt.Errorf("s3 delete objects: %w", err)
			}
		}
		if !aws.ToBool(page.IsTruncated) {
			return nil
		}
		token = page.NextContinuationToken
	}
}

// Close releases resources.
func (s *S3Store) Close() error {
	return nil
}

// listVersions returns the version numbers stored below fileKey, ascending.
func (s *S3Store) listVersions(ctx context.Context, fileKey string) ([]int, error) {
	prefix := fileKey + "/"
	var versions []int
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			n, err := strconv.Atoi(strings.TrimPrefix(aws.ToString(obj.Key), prefix))
			if err == nil && n > 0 {
				versions = append(versions, n)
			}
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	// Keys are zero padded so lexical order is numeric order.
	return versions, nil
}

func (s *S3Store) sessionKey(sessionKey string) string {
	if s.prefix == "" {
		return encodeName(sessionKey)
	}
	return path.Join(s.prefix, encodeName(sessionKey))
}

func (s *S3Store) fileKey(sessionKey, filename string) string {
	return path.Join(s.sessionKey(sessionKey), encodeName(filename))
}

func (s *S3Store) versionKey(sessionKey, filename string, version int) string {
	return path.Join(s.fileKey(sessionKey, filename), fmt.Sprintf("%08d", version))
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.EqualFold(code, "NotFound") || strings.EqualFold(code, "NoSuchKey")
	}
	return false
}
