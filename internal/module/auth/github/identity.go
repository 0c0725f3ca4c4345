package github

import (
	"fmt"

	"github.com/google/go-github/v76/github"
	"go.uber.org/zap"

	"github.com/gitpond/lfs-server/internal/module/auth"
)

// githubIdentity is an identity resolved from a GitHub token, carrying its
// own org/repo authorization cache.
type githubIdentity interface {
	auth.Identity

	// resolveAuthorization calls the GitHub API to resolve the caller's
	// permissions for the context's org/repo and stores them in the
	// identity's cache.
	resolveAuthorization(ctx *callContext) error

	// cachedPermissions reads the identity's authorization cache.
	cachedPermissions(org, repo string, authoritative bool) (auth.PermissionSet, bool)
}

// coreIdentity uniquely identifies a GitHub user across tokens.
type coreIdentity struct {
	login    string
	githubID int64
}

// UserIdentity is a GitHub user resolved from a personal token.
type UserIdentity struct {
	core  coreIdentity
	name  string
	email string
	authz *authzCache

	logger *zap.Logger
}

var _ githubIdentity = (*UserIdentity)(nil)

func newUserIdentity(user *github.User, cacheCfg CacheConfig, logger *zap.Logger) *UserIdentity {
	return &UserIdentity{
		core: coreIdentity{
			login:    user.GetLogin(),
			githubID: user.GetID(),
		},
		name:   user.GetName(),
		email:  user.GetEmail(),
		authz:  newAuthzCache(cacheCfg),
		logger: logger,
	}
}

func (i *UserIdentity) Name() string  { return i.name }
func (i *UserIdentity) ID() string    { return i.core.login }
func (i *UserIdentity) Email() string { return i.email }

func (i *UserIdentity) String() string {
	return fmt.Sprintf("<GithubUser id:%s name:%s>", i.core.login, i.name)
}

// IsAuthorized implements the Identity interface. GitHub permissions are
// repository wide, so oid is not consulted.
func (i *UserIdentity) IsAuthorized(organization, repo string, permission auth.Permission, oid string) bool {
	permissions, ok := i.cachedPermissions(organization, repo, true)
	return ok && permissions.Has(permission)
}

func (i *UserIdentity) cachedPermissions(org, repo string, authoritative bool) (auth.PermissionSet, bool) {
	return i.authz.get(org, repo, authoritative)
}

// resolveAuthorization resolves the user's collaborator permission on the
// target repository.
func (i *UserIdentity) resolveAuthorization(ctx *callContext) error {
	login := i.core.login
	i.logger.Debug("checking user permissions",
		zap.String("login", login),
		zap.String("org_repo", ctx.orgRepo()))

	level, _, err := ctx.client.Repositories.GetPermissionLevel(ctx, ctx.org, ctx.repo, login)
	if err != nil {
		return auth.Unauthorizedf("Failed to find %s's permissions for %s: %s", login, ctx.orgRepo(), err)
	}

	permissions := auth.NewPermissionSet()
	switch level.GetPermission() {
	case "admin", "write":
		permissions = auth.AllPermissions()
	case "read":
		permissions = auth.ReadOnlyPermissions()
	}
	i.logger.Debug("authorizing user",
		zap.String("login", login),
		zap.String("org_repo", ctx.orgRepo()),
		zap.Stringer("permissions", permissions),
		zap.Duration("ttl", i.authz.ttl(permissions)))

	i.authz.set(ctx.org, ctx.repo, permissions, false)
	return nil
}

// AppIdentity is a GitHub App installation resolved from an installation
// token.
type AppIdentity struct {
	installationID string
	appSlug        string
	clientID       string
	appID          string
	authz          *authzCache

	// origInstallation holds the installation record fetched during
	// authentication. It serves the first authorization and is then
	// discarded; later authorizations re-fetch after cache expiry.
	origOrg          string
	origInstallation *github.Installation

	logger *zap.Logger
}

var _ githubIdentity = (*AppIdentity)(nil)

func newAppIdentity(org string, installation *github.Installation, cacheCfg CacheConfig, logger *zap.Logger) *AppIdentity {
	return &AppIdentity{
		installationID:   fmt.Sprintf("%d", installation.GetID()),
		appSlug:          installation.GetAppSlug(),
		clientID:         installation.GetClientID(),
		appID:            fmt.Sprintf("%d", installation.GetAppID()),
		authz:            newAuthzCache(cacheCfg),
		origOrg:          org,
		origInstallation: installation,
		logger:           logger,
	}
}

func (i *AppIdentity) Name() string  { return i.appSlug }
func (i *AppIdentity) ID() string    { return i.installationID }
func (i *AppIdentity) Email() string { return "" }

func (i *AppIdentity) String() string {
	return fmt.Sprintf("<GithubApp id:%s slug:%s>", i.installationID, i.appSlug)
}

// IsAuthorized implements the Identity interface.
func (i *AppIdentity) IsAuthorized(organization, repo string, permission auth.Permission, oid string) bool {
	permissions, ok := i.cachedPermissions(organization, repo, true)
	return ok && permissions.Has(permission)
}

// cachedPermissions checks the org-wide grant first; an installation with
// access to all org repositories is cached under the org alone.
func (i *AppIdentity) cachedPermissions(org, repo string, authoritative bool) (auth.PermissionSet, bool) {
	if permissions, ok := i.authz.get(org, "", authoritative); ok && len(permissions) > 0 {
		return permissions, true
	}
	return i.authz.get(org, repo, authoritative)
}

// resolveAuthorization resolves the installation's contents permission and
// its repository selection.
func (i *AppIdentity) resolveAuthorization(ctx *callContext) error {
	installation := i.origInstallation
	if installation != nil {
		if i.origOrg != ctx.org {
			return fmt.Errorf("initial authorization org mismatch: %s != %s", ctx.org, i.origOrg)
		}
		i.origInstallation = nil
	} else {
		var err error
		installation, err = findInstallation(ctx, i.installationID)
		if err != nil {
			return err
		}
	}

	contents := installation.GetPermissions().GetContents()
	var permissions auth.PermissionSet
	switch contents {
	case "write":
		permissions = auth.AllPermissions()
	case "read":
		permissions = auth.ReadOnlyPermissions()
	case "":
		return auth.Unauthorizedf("GitHub App %s installation %s has no 'contents' permissions in %s.",
			i.appSlug, i.installationID, ctx.org)
	default:
		return auth.Unauthorizedf("GitHub App %s installation %s has no useful 'contents' permissions in %s (%s).",
			i.appSlug, i.installationID, ctx.org, contents)
	}

	if installation.GetRepositorySelection() == "all" {
		// The app controls every repository in the org; one org-wide
		// entry covers them all.
		i.authz.set(ctx.org, "", permissions, false)
		return nil
	}
	return i.resolveSelectedRepositories(ctx, permissions)
}

// resolveSelectedRepositories walks the installation's repository list
// looking for the target repo, casually caching permissions for other repos
// encountered on the way while the cache has room.
func (i *AppIdentity) resolveSelectedRepositories(ctx *callContext, permissions auth.PermissionSet) error {
	i.logger.Debug("listing app installation repositories",
		zap.String("app", i.appSlug),
		zap.String("installation", i.installationID))

	toCacheCasually := i.authz.freeSpace()
	seen := 0
	opts := &github.ListOptions{PerPage: 30}
	for {
		repos, resp, err := ctx.client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return auth.Unauthorizedf("Failed to get GitHub App %s installation %s repositories: %s",
				i.appSlug, i.installationID, err)
		}
		for _, repo := range repos.Repositories {
			repoOrg := repo.GetOwner().GetLogin()
			repoName := repo.GetName()
			if repoOrg == ctx.org && repoName == ctx.repo {
				i.authz.set(ctx.org, ctx.repo, permissions, false)
				return nil
			}
			if seen < toCacheCasually {
				i.authz.set(repoOrg, repoName, permissions, true)
			}
			seen++
		}
		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}
