package transfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gitpond/lfs-server/internal/module/storage"
)

// BasicExternalAdapter implements the basic transfer against storage the
// client talks to directly through signed URLs, keeping object bytes off the
// server entirely. Verification still goes through the server's own verify
// endpoint.
type BasicExternalAdapter struct {
	storage        storage.ExternalStorage
	preauth        *Preauth
	baseURL        string
	actionLifetime time.Duration
}

// NewBasicExternalAdapter creates an external adapter. The baseURL only
// serves the verify endpoint, all transfers hit storage directly.
func NewBasicExternalAdapter(s storage.ExternalStorage, preauth *Preauth, baseURL string, actionLifetime time.Duration) *BasicExternalAdapter {
	if actionLifetime <= 0 {
		actionLifetime = DefaultActionLifetime
	}
	return &BasicExternalAdapter{
		storage:        s,
		preauth:        preauth,
		baseURL:        baseURL,
		actionLifetime: actionLifetime,
	}
}

func (a *BasicExternalAdapter) Upload(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error) {
	result := &Result{Oid: oid, Size: size}

	stored, err := a.storage.VerifyObject(ctx, prefix(organization, repo), oid, size)
	if err != nil {
		return nil, err
	}
	if stored {
		return result, nil
	}

	actions, err := a.storage.GetUploadAction(ctx, prefix(organization, repo), oid, size, a.actionLifetime, extra)
	if err != nil {
		var invalid *storage.InvalidObjectError
		if errors.As(err, &invalid) {
			result.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: invalid.Message}
			return result, nil
		}
		return nil, err
	}

	if actions != nil && actions.Upload != nil {
		result.Authenticated = true
		verify, err := a.verifyAction(ctx, organization, repo, oid)
		if err != nil {
			return nil, err
		}
		actions.Verify = verify
	}
	result.Actions = actions
	return result, nil
}

func (a *BasicExternalAdapter) Download(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error) {
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

// verifyAction builds the verify action pointing back at this server. The
// pre-auth grant is scoped to the single object being uploaded.
func (a *BasicExternalAdapter) verifyAction(ctx context.Context, organization, repo, oid string) (*storage.Action, error) {
	headers, err := a.preauth.Headers(ctx, organization, repo, []string{"verify"}, oid, VerifyLifetime)
	if err != nil {
		return nil, err
	}
	return &storage.Action{
		Href:      verifyURL(a.baseURL, organization, repo),
		Header:    headers,
		ExpiresIn: int(VerifyLifetime.Seconds()),
		ExpiresAt: expiresAt(VerifyLifetime),
	}, nil
}
