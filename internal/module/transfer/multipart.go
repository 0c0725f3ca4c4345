package transfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gitpond/lfs-server/internal/module/storage"
)

// MultipartAdapter implements the multipart-basic transfer: large uploads
// split into parts the client sends directly to storage, then commits as one
// object. Downloads are plain signed URLs, same as the external adapter.
type MultipartAdapter struct {
	storage        storage.MultipartStorage
	preauth        *Preauth
	baseURL        string
	actionLifetime time.Duration
	maxPartSize    int64
}

// NewMultipartAdapter creates a multipart adapter. Zero actionLifetime and
// maxPartSize fall back to the multipart defaults, which are sized for
// long-running, many-part uploads.
func NewMultipartAdapter(s storage.MultipartStorage, preauth *Preauth, baseURL string, actionLifetime time.Duration, maxPartSize int64) *MultipartAdapter {
	if actionLifetime <= 0 {
		actionLifetime = DefaultMultipartLifetime
	}
	if maxPartSize <= 0 {
		maxPartSize = DefaultMaxPartSize
	}
	return &MultipartAdapter{
		storage:        s,
		preauth:        preauth,
		baseURL:        baseURL,
		actionLifetime: actionLifetime,
		maxPartSize:    maxPartSize,
	}
}

func (a *MultipartAdapter) Upload(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error) {
	result := &Result{Oid: oid, Size: size}

	stored, err := a.storage.VerifyObject(ctx, prefix(organization, repo), oid, size)
	if err != nil {
		return nil, err
	}
	if stored {
		return result, nil
	}

	actions, err := a.storage.GetMultipartActions(ctx, prefix(organization, repo), oid, size, a.maxPartSize, a.actionLifetime, extra)
	if err != nil {
		var invalid *storage.InvalidObjectError
		if errors.As(err, &invalid) {
			result.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: invalid.Message}
			return result, nil
		}
		return nil, err
	}

	if actions != nil && !actionsEmpty(actions) {
		result.Authenticated = true
		headers, err := a.preauth.Headers(ctx, organization, repo, []string{"verify"}, oid, VerifyLifetime)
		if err != nil {
			return nil, err
		}
		actions.Verify = &storage.Action{
			Href:      verifyURL(a.baseURL, organization, repo),
			Header:    headers,
			ExpiresIn: int(VerifyLifetime.Seconds()),
			ExpiresAt: expiresAt(VerifyLifetime),
		}
	}
	result.Actions = actions
	return result, nil
}

func (a *MultipartAdapter) Download(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error) {
	result := &Result{Oid: oid, Size: size}

	if objErr, err := checkObject(ctx, a.storage, organization, repo, oid, size); err != nil {
		return nil, err
	} else if objErr != nil {
		result.Error = objErr
		return result, nil
	}

	actions, err := a.storage.GetDownloadAction(ctx, prefix(organization, repo), oid, size, a.actionLifetime, extra)
	if err != nil {
		return nil, err
	}
	if actions != nil && actions.Download != nil {
		result.Authenticated = true
	}
	result.Actions = actions
	return result, nil
}

// actionsEmpty reports whether a plan carries no client work at all, which
// happens when all parts of a resumed upload are already staged and only
// commit remains. Even then commit and abort are present, so an empty plan
// means the backend had nothing to say.
func actionsEmpty(a *storage.ObjectActions) bool {
	return a.Upload == nil && a.Download == nil && a.Commit == nil && a.Abort == nil && len(a.Parts) == 0
}
