package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// maxSigningLifetime caps signing credential lifetime when impersonating a
// service account through workload identity.
const maxSigningLifetime = time.Hour

// GCSConfig holds Google Cloud Storage configuration. Credentials come from
// a service account key file, the same key base64-encoded inline, or, when
// neither is set, workload identity impersonating ServiceAccountEmail.
type GCSConfig struct {
	ProjectID           string `mapstructure:"project_id"`
	Bucket              string `mapstructure:"bucket"`
	PathPrefix          string `mapstructure:"path_prefix"`
	AccountKeyFile      string `mapstructure:"account_key_file"`
	AccountKeyBase64    string `mapstructure:"account_key_base64"`
	ServiceAccountEmail string `mapstructure:"serviceaccount_email"`
}

// GCSStorage stores objects in a Google Cloud Storage bucket and hands out
// V4 signed URLs for direct client transfers.
type GCSStorage struct {
	client       *gcs.Client
	iam          *iamcredentials.Service
	bucket       string
	pathPrefix   string
	signingEmail string
}

var (
	_ StreamingStorage = (*GCSStorage)(nil)
	_ ExternalStorage  = (*GCSStorage)(nil)
)

// NewGCSStorage creates a Google Cloud storage backend.
func NewGCSStorage(ctx context.Context, cfg GCSConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs storage requires a bucket name")
	}
	if cfg.AccountKeyFile != "" && cfg.AccountKeyBase64 != "" {
		return nil, errors.New("provide either account_key_file or account_key_base64, not both")
	}

	var clientOpts []option.ClientOption
	switch {
	case cfg.AccountKeyFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.AccountKeyFile))
	case cfg.AccountKeyBase64 != "":
		key, err := base64.StdEncoding.DecodeString(cfg.AccountKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("decode account key: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON(key))
	case cfg.ServiceAccountEmail == "":
		return nil, errors.New("if no account key is given, serviceaccount_email must be set " +
			"in order to use workload identity")
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	s := &GCSStorage{
		client:       client,
		bucket:       cfg.Bucket,
		pathPrefix:   cfg.PathPrefix,
		signingEmail: cfg.ServiceAccountEmail,
	}
	if cfg.AccountKeyFile == "" && cfg.AccountKeyBase64 == "" {
		s.iam, err = iamcredentials.NewService(ctx)
		if err != nil {
			return nil, fmt.Errorf("create iam credentials service: %w", err)
		}
	}
	return s, nil
}

func (s *GCSStorage) objectName(prefix, oid string) string {
	return blobPath(s.pathPrefix, prefix, oid)
}

func (s *GCSStorage) object(prefix, oid string) *gcs.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.objectName(prefix, oid))
}

// Get implements the StreamingStorage interface.
func (s *GCSStorage) Get(ctx context.Context, prefix, oid string) (io.ReadCloser, error) {
	r, err := s.object(prefix, oid).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return r, nil
}

// Put implements the StreamingStorage interface.
func (s *GCSStorage) Put(ctx context.Context, prefix, oid string, r io.Reader) (int64, error) {
	w := s.object(prefix, oid).NewWriter(ctx)
	written, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return 0, fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("finalize object: %w", err)
	}
	return written, nil
}

// Exists implements the StreamingStorage interface.
func (s *GCSStorage) Exists(ctx context.Context, prefix, oid string) (bool, error) {
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
func (s *GCSStorage) GetSize(ctx context.Context, prefix, oid string) (int64, error) {
	attrs, err := s.object(prefix, oid).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return 0, ErrObjectNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get object attributes: %w", err)
	}
	return attrs.Size, nil
}

// GetMimeType implements the StreamingStorage interface.
func (s *GCSStorage) GetMimeType(ctx context.Context, prefix, oid string) (string, error) {
	attrs, err := s.object(prefix, oid).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return "", ErrObjectNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get object attributes: %w", err)
	}
	if attrs.ContentType == "" {
		return "application/octet-stream", nil
	}
	return attrs.ContentType, nil
}

// VerifyObject implements the VerifiableStorage interface.
func (s *GCSStorage) VerifyObject(ctx context.Context, prefix, oid string, size int64) (bool, error) {
	return verifyBySize(ctx, s, prefix, oid, size)
}

// GetUploadAction implements the ExternalStorage interface.
func (s *GCSStorage) GetUploadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error) {
	href, err := s.signedURL(ctx, prefix, oid, "PUT", expiresIn, nil)
	if err != nil {
		return nil, err
	}
	return &ObjectActions{
		Upload: &Action{
			Href:      href,
			Header:    map[string]string{},
			ExpiresIn: int(expiresIn.Seconds()),
		},
	}, nil
}

// GetDownloadAction implements the ExternalStorage interface.
func (s *GCSStorage) GetDownloadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error) {
	query := url.Values{"response-content-disposition": {contentDisposition(extra)}}
	href, err := s.signedURL(ctx, prefix, oid, "GET", expiresIn, query)
	if err != nil {
		return nil, err
	}
	return &ObjectActions{
		Download: &Action{
			Href:      href,
			Header:    map[string]string{},
			ExpiresIn: int(expiresIn.Seconds()),
		},
	}, nil
}

// signedURL builds a V4 signed URL for the object. With a service account
// key the client signs locally; under workload identity signing goes
// through the IAM Credentials API on behalf of the configured service
// account, whose lifetime is capped at one hour.
func (s *GCSStorage) signedURL(ctx context.Context, prefix, oid, method string, expiresIn time.Duration, query url.Values) (string, error) {
	opts := &gcs.SignedURLOptions{
		Method:          method,
		Expires:         time.Now().Add(expiresIn),
		Scheme:          gcs.SigningSchemeV4,
		QueryParameters: query,
	}
	if s.iam != nil {
		if expiresIn > maxSigningLifetime {
			opts.Expires = time.Now().Add(maxSigningLifetime)
		}
		opts.GoogleAccessID = s.signingEmail
		opts.SignBytes = func(payload []byte) ([]byte, error) {
			return s.signImpersonated(ctx, payload)
		}
	}

	href, err := s.client.Bucket(s.bucket).SignedURL(s.objectName(prefix, oid), opts)
	if err != nil {
		return "", fmt.Errorf("sign object url: %w", err)
	}
	return href, nil
}

func (s *GCSStorage) signImpersonated(ctx context.Context, payload []byte) ([]byte, error) {
	name := "projects/-/serviceAccounts/" + s.signingEmail
	resp, err := s.iam.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sign blob via iam credentials: %w", err)
	}
	return base64.StdEncoding.DecodeString(resp.SignedBlob)
}
