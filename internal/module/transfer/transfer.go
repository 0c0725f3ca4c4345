// Package transfer implements Git LFS transfer adapters: the strategies the
// batch endpoint uses to plan how clients move object bytes in and out of
// storage.
package transfer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gitpond/lfs-server/internal/module/auth"
	"github.com/gitpond/lfs-server/internal/module/storage"
)

// Action lifetimes and limits.
const (
	// VerifyLifetime is how long verify credentials stay valid. Clients
	// verify only after finishing an upload, which can take a while.
	VerifyLifetime = 12 * time.Hour

	// DefaultActionLifetime applies to basic upload/download actions.
	DefaultActionLifetime = 15 * time.Minute

	// DefaultMultipartLifetime applies to multipart upload actions, which
	// cover many sequential part transfers.
	DefaultMultipartLifetime = 6 * time.Hour

	// DefaultMaxPartSize is the multipart part size limit.
	DefaultMaxPartSize = 10_240_000
)

// Result is the outcome of planning one object's transfer, rendered
// directly into the batch response.
type Result struct {
	Oid           string                 `json:"oid"`
	Size          int64                  `json:"size"`
	Authenticated bool                   `json:"authenticated,omitempty"`
	Actions       *storage.ObjectActions `json:"actions,omitempty"`
	Error         *ObjectError           `json:"error,omitempty"`
}

// ObjectError is a per-object failure reported inside a 200 batch response.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Adapter plans object transfers for one batch operation kind.
type Adapter interface {
	// Upload plans how the client should upload one object. A Result with
	// no actions means the object is already stored.
	Upload(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error)

	// Download plans how the client should download one object.
	Download(ctx context.Context, organization, repo, oid string, size int64, extra map[string]any) (*Result, error)
}

// Registry maps transfer adapter keys to registered adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under the given key, replacing any previous one.
func (r *Registry) Register(key string, adapter Adapter) {
	r.adapters[key] = adapter
}

// Match returns the first adapter matching the client's transfer
// preferences, in client order.
func (r *Registry) Match(transfers []string) (string, Adapter, error) {
	for _, key := range transfers {
		if adapter, ok := r.adapters[key]; ok {
			return key, adapter, nil
		}
	}
	return "", nil, fmt.Errorf("unable to match any transfer adapter: %s", strings.Join(transfers, ", "))
}

// Has reports whether an adapter is registered under the key.
func (r *Registry) Has(key string) bool {
	_, ok := r.adapters[key]
	return ok
}

// Preauth mints short-lived credentials for follow-up actions using the
// authenticator chain's pre-auth provider. With no provider, or no request
// identity, it degrades to issuing nothing.
type Preauth struct {
	provider auth.PreauthProvider
}

// NewPreauth creates a Preauth helper. A nil provider is allowed.
func NewPreauth(provider auth.PreauthProvider) *Preauth {
	return &Preauth{provider: provider}
}

// Headers returns request headers pre-authorizing the given actions.
func (p *Preauth) Headers(ctx context.Context, organization, repo string, actions []string, oid string, lifetime time.Duration) (map[string]string, error) {
	if p == nil || p.provider == nil {
		return map[string]string{}, nil
	}
	identity := auth.IdentityFrom(ctx)
	if identity == nil {
		return map[string]string{}, nil
	}
	return p.provider.AuthzHeader(identity, organization, repo, actions, oid, lifetime)
}

// SignURL appends query parameters pre-authorizing the given actions to a
// URL. Without a provider or identity the URL is returned unchanged.
func (p *Preauth) SignURL(ctx context.Context, href, organization, repo string, actions []string, oid string, lifetime time.Duration) (string, error) {
	if p == nil || p.provider == nil {
		return href, nil
	}
	identity := auth.IdentityFrom(ctx)
	if identity == nil {
		return href, nil
	}
	params, err := p.provider.AuthzQueryParams(identity, organization, repo, actions, oid, lifetime)
	if err != nil {
		return "", err
	}
	return addQueryParams(href, params), nil
}

// addQueryParams appends parameters to a URL, preserving existing ones.
func addQueryParams(href string, params map[string]string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	query := u.Query()
	for key, value := range params {
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// storageURL builds the server's own object endpoint URL for an object.
func storageURL(baseURL, organization, repo, oid string) string {
	return fmt.Sprintf("%s/%s/%s/objects/storage/%s", strings.TrimSuffix(baseURL, "/"), organization, repo, oid)
}

// verifyURL builds the server's verify endpoint URL for a repo.
func verifyURL(baseURL, organization, repo string) string {
	return fmt.Sprintf("%s/%s/%s/objects/storage/verify", strings.TrimSuffix(baseURL, "/"), organization, repo)
}

// expiresAt is the absolute counterpart of an expires_in lifetime.
func expiresAt(lifetime time.Duration) *time.Time {
	t := time.Now().Add(lifetime).UTC().Truncate(time.Second)
	return &t
}

// prefix joins an organization and repo into the storage namespace prefix.
func prefix(organization, repo string) string {
	return organization + "/" + repo
}
