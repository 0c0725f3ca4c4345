// Package github implements a "proxy" authenticator that validates Git LFS
// credentials against the GitHub API and translates GitHub repository
// permissions into local grants.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v76/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/gitpond/lfs-server/internal/module/auth"
)

// Connection defaults.
const (
	DefaultAPIURL     = "https://api.github.com"
	DefaultAPITimeout = 10 * time.Second

	// appTokenPrefix marks GitHub App installation tokens.
	appTokenPrefix = "ghs_"
)

// Config holds GitHub authenticator configuration.
type Config struct {
	// APIURL is the GitHub API base URL. Enterprise servers host the API
	// under <hostname>/api/v3.
	APIURL string `mapstructure:"api_url"`
	// APITimeout bounds each GitHub API request.
	APITimeout time.Duration `mapstructure:"api_timeout"`
	// RestrictTo limits this instance to the listed organizations, and
	// optionally to the listed repositories within each. A nil or empty
	// repository list allows the whole organization.
	RestrictTo map[string][]string `mapstructure:"restrict_to"`

	Cache CacheConfig `mapstructure:"cache"`
}

// Authenticator authenticates requests by forwarding their GitHub token to
// the GitHub API and mapping the caller's repository permissions onto local
// ones.
//
// Resolved identities are cached per token in a bounded LRU, and identities
// of the same GitHub user are shared across tokens so they pool one
// authorization cache. The shared entry is dropped once the last token
// referring to it is evicted. Identical concurrent lookups are collapsed so
// a burst of parallel requests with one token costs a single GET /user.
type Authenticator struct {
	cfg     Config
	apiBase *url.URL
	http    *http.Client
	logger  *zap.Logger

	// mu guards tokens and users. The eviction callback runs inside
	// tokens.Add, so every tokens access must hold mu and the callback
	// itself must not take it.
	mu     sync.Mutex
	tokens *lru.Cache[string, githubIdentity]
	users  map[coreIdentity]*userEntry

	tokenGroup singleflight.Group
	authzGroup singleflight.Group
}

// userEntry refcounts a shared user identity by the number of token cache
// entries referring to it.
type userEntry struct {
	identity *UserIdentity
	refs     int
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates a GitHub authenticator from configuration.
func New(cfg Config, logger *zap.Logger) (*Authenticator, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	cfg.Cache = cfg.Cache.withDefaults()

	apiBase, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse GitHub API URL: %w", err)
	}

	a := &Authenticator{
		cfg:     cfg,
		apiBase: apiBase,
		http:    &http.Client{Timeout: cfg.APITimeout},
		logger:  logger,
		users:   make(map[coreIdentity]*userEntry),
	}
	a.tokens, err = lru.NewWithEvict[string, githubIdentity](cfg.Cache.TokenMaxSize, a.onTokenEvict)
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return a, nil
}

// onTokenEvict drops the evicted token's reference to its shared user
// identity. Called with mu already held by the goroutine mutating tokens.
func (a *Authenticator) onTokenEvict(_ string, identity githubIdentity) {
	user, ok := identity.(*UserIdentity)
	if !ok {
		return
	}
	entry, ok := a.users[user.core]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(a.users, user.core)
	}
}

// Authenticate implements the auth.Authenticator interface.
func (a *Authenticator) Authenticate(r *http.Request) (auth.Identity, error) {
	ctx, err := a.newCallContext(r)
	if err != nil {
		return nil, err
	}
	identity, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.authorize(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// authenticate resolves the request token to an identity, through the token
// cache and a single-flight group so each unseen token costs one API round
// trip no matter how many requests race on it.
func (a *Authenticator) authenticate(ctx *callContext) (githubIdentity, error) {
	a.mu.Lock()
	if identity, ok := a.tokens.Get(ctx.token); ok {
		a.mu.Unlock()
		return identity, nil
	}
	a.mu.Unlock()

	value, err, _ := a.tokenGroup.Do(ctx.token, func() (any, error) {
		a.mu.Lock()
		if identity, ok := a.tokens.Get(ctx.token); ok {
			a.mu.Unlock()
			return identity, nil
		}
		a.mu.Unlock()

		var identity githubIdentity
		var err error
		if strings.HasPrefix(ctx.token, appTokenPrefix) {
			identity, err = a.authenticateApp(ctx)
		} else {
			identity, err = a.authenticateUser(ctx)
		}
		if err != nil {
			return nil, err
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		if user, ok := identity.(*UserIdentity); ok {
			// Share one identity object (and its authorization cache)
			// across all tokens of the same user.
			entry, ok := a.users[user.core]
			if !ok {
				entry = &userEntry{identity: user}
				a.users[user.core] = entry
			}
			entry.refs++
			identity = entry.identity
		}
		a.tokens.Add(ctx.token, identity)
		return identity, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(githubIdentity), nil
}

func (a *Authenticator) authenticateUser(ctx *callContext) (githubIdentity, error) {
	a.logger.Debug("authenticating GitHub user")
	user, _, err := ctx.client.Users.Get(ctx, "")
	if err != nil {
		return nil, auth.Unauthorizedf("Couldn't authenticate the user: %s", err)
	}
	identity := newUserIdentity(user, a.cfg.Cache, a.logger)
	a.logger.Info("authenticated GitHub user", zap.String("login", identity.ID()))
	return identity, nil
}

func (a *Authenticator) authenticateApp(ctx *callContext) (githubIdentity, error) {
	a.logger.Debug("authenticating GitHub App")
	installation, err := findInstallation(ctx, "")
	if err != nil {
		return nil, err
	}
	identity := newAppIdentity(ctx.org, installation, a.cfg.Cache, a.logger)
	a.logger.Info("authenticated GitHub App installation",
		zap.String("app", identity.Name()),
		zap.String("installation", identity.ID()))
	return identity, nil
}

// authorize ensures the identity's permissions for the target org/repo are
// resolved, collapsing identical concurrent resolutions into one API call.
func (a *Authenticator) authorize(ctx *callContext, identity githubIdentity) error {
	key := fmt.Sprintf("%s/%s/%p", ctx.org, ctx.repo, identity)
	_, err, _ := a.authzGroup.Do(key, func() (any, error) {
		if permissions, ok := identity.cachedPermissions(ctx.org, ctx.repo, false); ok {
			a.logger.Debug("identity is already temporarily authorized",
				zap.String("id", identity.ID()),
				zap.String("org_repo", ctx.orgRepo()),
				zap.Stringer("permissions", permissions))
			return nil, nil
		}
		return nil, identity.resolveAuthorization(ctx)
	})
	return err
}

// findInstallation locates a GitHub App installation in the target org's
// installation list. With an empty installationID the id supplied as the
// Basic auth username is matched against every known installation
// identifier; otherwise only the installation id is matched.
func findInstallation(ctx *callContext, installationID string) (*github.Installation, error) {
	someID := installationID
	if someID == "" {
		someID = ctx.user
	}
	if someID == "" {
		return nil, auth.Unauthorizedf("Couldn't authenticate the GitHub App. Its Installation ID, " +
			"App ID or Client ID must be sent as the username within the Authorization " +
			"header's Basic auth payload.")
	}

	installations, _, err := ctx.client.Organizations.ListInstallations(ctx, ctx.org, nil)
	if err != nil {
		return nil, auth.Unauthorizedf("Failed to get a list of GitHub App installations for %s: %s. "+
			"Make sure the app has the 'Administration' organization (read) permission.", ctx.org, err)
	}

	for _, installation := range installations.Installations {
		ids := []string{fmt.Sprintf("%d", installation.GetID())}
		if installationID == "" {
			ids = append(ids,
				installation.GetClientID(),
				fmt.Sprintf("%d", installation.GetAppID()),
				installation.GetAppSlug())
		}
		for _, id := range ids {
			if id == someID {
				return installation, nil
			}
		}
	}
	return nil, auth.Unauthorizedf("Failed to find id %s in the list of GitHub App installations for %s.",
		someID, ctx.org)
}

// callContext carries the per-request state of one authentication call.
type callContext struct {
	context.Context

	org    string
	repo   string
	user   string
	token  string
	client *github.Client
}

func (c *callContext) orgRepo() string {
	return c.org + "/" + c.repo
}

func (a *Authenticator) newCallContext(r *http.Request) (*callContext, error) {
	org, repo, err := splitOrgRepo(r.URL.Path)
	if err != nil {
		return nil, err
	}

	user, token, err := extractAuth(r)
	if err != nil {
		a.logger.Warn("request has no usable auth token",
			zap.String("org_repo", org+"/"+repo))
		return nil, err
	}

	if err := a.checkRestrictedTo(org, repo); err != nil {
		return nil, err
	}

	tokenCtx := context.WithValue(r.Context(), oauth2.HTTPClient, a.http)
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(tokenCtx, source))
	client.BaseURL = a.apiBase

	return &callContext{
		Context: r.Context(),
		org:     org,
		repo:    repo,
		user:    user,
		token:   token,
		client:  client,
	}, nil
}

func (a *Authenticator) checkRestrictedTo(org, repo string) error {
	if len(a.cfg.RestrictTo) == 0 {
		return nil
	}
	repos, ok := a.cfg.RestrictTo[org]
	if !ok {
		return auth.Unauthorizedf("Unauthorized GitHub organization '%s'", org)
	}
	if len(repos) == 0 {
		return nil
	}
	for _, allowed := range repos {
		if allowed == repo {
			return nil
		}
	}
	return auth.Unauthorizedf("Unauthorized GitHub repository '%s/%s'", org, repo)
}

// extractAuth pulls the GitHub token, and the optional username, from the
// request's Authorization header.
func extractAuth(r *http.Request) (user, token string, err error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "", auth.Unauthorizedf("Authorization required")
	}
	if user, password, ok := r.BasicAuth(); ok {
		if password == "" {
			return "", "", auth.Unauthorizedf("Authorization token required")
		}
		return user, password, nil
	}
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return "", token, nil
	}
	return "", "", auth.Unauthorizedf("Authorization token required")
}

// splitOrgRepo derives the target organization and repository from the
// request path, which always starts with /{organization}/{repo}.
func splitOrgRepo(path string) (org, repo string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", auth.Unauthorizedf("Request path does not reference a repository")
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
