package transfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gitpond/lfs-server/internal/module/storage"
)

// BasicStreamingAdapter implements the basic transfer over the server's own
// object endpoints, streaming object bytes through the server process.
type BasicStreamingAdapter struct {
	storage        storage.StreamingStorage
	preauth        *Preauth
	baseURL        string
	actionLifetime time.Duration
}

// NewBasicStreamingAdapter creates a streaming adapter serving actions under
// baseURL.
func NewBasicStreamingAdapter(s storage.StreamingStorage, preauth *Preauth, baseURL string, actionLifetime time.Duration) *BasicStreamingAdapter {
	if actionLifetime <= 0 {
		actionLifetime = DefaultActionLifetime
	}
	return &BasicStreamingAdapter{
		storage:        s,
		preauth:        preauth,
		baseURL:        baseURL,
		actionLifetime: actionLifetime,
	}
}

func (a *BasicStreamingAdapter) Upload(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error) {
	result := &Result{Oid: oid, Size: size}

	stored, err := a.storage.VerifyObject(ctx, prefix(organization, repo), oid, size)
	if err != nil {
		return nil, err
	}
	if stored {
		// Already have it, nothing for the client to do.
		return result, nil
	}

	uploadHeaders, err := a.preauth.Headers(ctx, organization, repo, []string{"write"}, oid, a.actionLifetime)
	if err != nil {
		return nil, err
	}
	verifyHeaders, err := a.preauth.Headers(ctx, organization, repo, []string{"verify"}, oid, VerifyLifetime)
	if err != nil {
		return nil, err
	}

	result.Authenticated = true
	result.Actions = &storage.ObjectActions{
		Upload: &storage.Action{
			Href:      storageURL(a.baseURL, organization, repo, oid),
			Header:    uploadHeaders,
			ExpiresIn: int(a.actionLifetime.Seconds()),
			ExpiresAt: expiresAt(a.actionLifetime),
		},
		Verify: &storage.Action{
			Href:      verifyURL(a.baseURL, organization, repo),
			Header:    verifyHeaders,
			ExpiresIn: int(VerifyLifetime.Seconds()),
			ExpiresAt: expiresAt(VerifyLifetime),
		},
	}
	return result, nil
}

func (a *BasicStreamingAdapter) Download(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error) {
	result := &Result{Oid: oid, Size: size}

	if objErr, err := checkObject(ctx, a.storage, organization, repo, oid, size); err != nil {
		return nil, err
	} else if objErr != nil {
		result.Error = objErr
		return result, nil
	}

	href := storageURL(a.baseURL, organization, repo, oid)
	if filename := extraFilename(extra); filename != "" {
		href = addQueryParams(href, map[string]string{"filename": filename})
	}
	href, err := a.preauth.SignURL(ctx, href, organization, repo, []string{"read"}, oid, a.actionLifetime)
	if err != nil {
		return nil, err
	}

	result.Authenticated = true
	result.Actions = &storage.ObjectActions{
		Download: &storage.Action{
			Href:      href,
			ExpiresIn: int(a.actionLifetime.Seconds()),
			ExpiresAt: expiresAt(a.actionLifetime),
		},
	}
	return result, nil
}

// objectSizer is what checkObject needs from a backend.
type objectSizer interface {
	GetSize(ctx context.Context, prefix, oid string) (int64, error)
}

// checkObject confirms an object exists with the expected size, translating
// failures into in-object batch errors.
func checkObject(ctx context.Context, s objectSizer, organization, repo, oid string, size int64) (*ObjectError, error) {
	actual, err := s.GetSize(ctx, prefix(organization, repo), oid)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return &ObjectError{Code: http.StatusNotFound, Message: "Object does not exist"}, nil
	}
	if err != nil {
		return nil, err
	}
	if actual != size {
		return &ObjectError{Code: http.StatusUnprocessableEntity, Message: "Object size does not match"}, nil
	}
	return nil, nil
}

// extraFilename reads the optional filename hint from a batch object's extra
// fields.
func extraFilename(extra map[string]any) string {
	if extra == nil {
		return ""
	}
	filename, _ := extra["filename"].(string)
	return storage.SafeFilename(filename)
}
