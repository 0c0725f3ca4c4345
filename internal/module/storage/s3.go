package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds AWS S3 storage configuration. Endpoint and static
// credentials are optional; without them the default AWS credential chain
// applies, which also covers S3-compatible services behind a custom
// endpoint.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	PathPrefix      string `mapstructure:"path_prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// S3Storage stores objects in an S3 bucket and hands out pre-signed URLs
// for direct client transfers.
type S3Storage struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

var (
	_ StreamingStorage = (*S3Storage)(nil)
	_ ExternalStorage  = (*S3Storage)(nil)
)

// NewS3Storage creates an S3 storage backend.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 storage requires a bucket name")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Storage{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (s *S3Storage) key(prefix, oid string) string {
	return blobPath(s.pathPrefix, prefix, oid)
}

// Get implements the StreamingStorage interface.
func (s *S3Storage) Get(ctx context.Context, prefix, oid string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(prefix, oid)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// Put implements the StreamingStorage interface.
func (s *S3Storage) Put(ctx context.Context, prefix, oid string, r io.Reader) (int64, error) {
	counter := &countingReader{r: r}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(prefix, oid)),
		Body:   counter,
	})
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}
	return counter.n, nil
}

// Exists implements the StreamingStorage interface.
func (s *S3Storage) Exists(ctx context.Context, prefix, oid string) (bool, error) {
	_, err := s.GetSize(ctx, prefix, oid)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetSize implements the StreamingStorage interface.
func (s *S3Storage) GetSize(ctx context.Context, prefix, oid string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(prefix, oid)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("head object: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// GetMimeType implements the StreamingStorage interface.
func (s *S3Storage) GetMimeType(ctx context.Context, prefix, oid string) (string, error) {
	if _, err := s.GetSize(ctx, prefix, oid); err != nil {
		return "", err
	}
	return "application/octet-stream", nil
}

// GetUploadAction implements the ExternalStorage interface. The pre-signed
// PUT pins the payload's SHA-256 to the oid, so S3 itself rejects corrupt
// uploads.
func (s *S3Storage) GetUploadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error) {
	rawOID, err := hex.DecodeString(oid)
	if err != nil {
		return nil, InvalidObjectf("object ID is not a valid hex string: %s", oid)
	}
	checksum := base64.StdEncoding.EncodeToString(rawOID)

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(s.bucket),
		Key:            aws.String(s.key(prefix, oid)),
		ContentType:    aws.String("application/octet-stream"),
		ChecksumSHA256: aws.String(checksum),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiresIn
	})
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}

	return &ObjectActions{
		Upload: &Action{
			Href: req.URL,
			Header: map[string]string{
				"Content-Type":          "application/octet-stream",
				"x-amz-checksum-sha256": checksum,
			},
			ExpiresIn: int(expiresIn.Seconds()),
		},
	}, nil
}

// GetDownloadAction implements the ExternalStorage interface.
func (s *S3Storage) GetDownloadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error) {
	input := &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(s.key(prefix, oid)),
		ResponseContentDisposition: aws.String(contentDisposition(extra)),
	}
	req, err := s.presigner.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiresIn
	})
	if err != nil {
		return nil, fmt.Errorf("presign get: %w", err)
	}

	return &ObjectActions{
		Download: &Action{
			Href:      req.URL,
			Header:    map[string]string{},
			ExpiresIn: int(expiresIn.Seconds()),
		},
	}, nil
}

// VerifyObject implements the VerifiableStorage interface.
func (s *S3Storage) VerifyObject(ctx context.Context, prefix, oid string, size int64) (bool, error) {
	return verifyBySize(ctx, s, prefix, oid, size)
}

// countingReader counts the bytes pulled through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
