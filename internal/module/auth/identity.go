package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a single access level that can be granted on objects.
type Permission string

const (
	PermissionRead     Permission = "read"
	PermissionReadMeta Permission = "read-meta"
	PermissionWrite    Permission = "write"
)

// PermissionSet is a set of granted permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// AllPermissions returns a set containing every permission.
func AllPermissions() PermissionSet {
	return NewPermissionSet(PermissionRead, PermissionReadMeta, PermissionWrite)
}

// ReadOnlyPermissions returns the permission set of a read-only grant.
func ReadOnlyPermissions() PermissionSet {
	return NewPermissionSet(PermissionRead, PermissionReadMeta)
}

// Has reports whether the set grants the given permission.
// Read implies ReadMeta for authorization checks.
func (s PermissionSet) Has(perm Permission) bool {
	if _, ok := s[perm]; ok {
		return true
	}
	if perm == PermissionReadMeta {
		_, ok := s[PermissionRead]
		return ok
	}
	return false
}

// Union adds all permissions from other into the set.
func (s PermissionSet) Union(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// CanWrite reports whether the set grants write access.
func (s PermissionSet) CanWrite() bool {
	return s.Has(PermissionWrite)
}

// String returns a stable human-readable form, for logging.
func (s PermissionSet) String() string {
	names := make([]string, 0, len(s))
	for p := range s {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ", ") + "]"
}

// Identity is an authenticated principal with an attached set of grants.
//
// Identities are produced by authenticators once per request and must not be
// mutated after authentication completes, so IsAuthorized is safe for
// concurrent readers.
type Identity interface {
	Name() string
	ID() string
	Email() string

	// IsAuthorized determines whether the identity may perform an
	// operation requiring the given permission on an org/repo, optionally
	// narrowed to a single object. An empty oid means "any object".
	IsAuthorized(organization, repo string, permission Permission, oid string) bool
}

// wildcard is the permission tree key standing in for "any". Organization,
// repository and object names never contain a bare "*".
const wildcard = "*"

func treeKey(name string) string {
	if name == "" {
		return wildcard
	}
	return name
}

// permissionTree is a three-level nested map org → repo → oid → permissions,
// where any level may hold the wildcard key.
type permissionTree map[string]map[string]map[string]PermissionSet

// DefaultIdentity is the standard Identity implementation carrying an
// explicit permission tree. Grants are additive; Allow never revokes.
type DefaultIdentity struct {
	name    string
	id      string
	email   string
	allowed permissionTree
}

// NewDefaultIdentity creates an identity with no grants.
func NewDefaultIdentity(name, id, email string) *DefaultIdentity {
	return &DefaultIdentity{
		name:    name,
		id:      id,
		email:   email,
		allowed: make(permissionTree),
	}
}

func (i *DefaultIdentity) Name() string  { return i.name }
func (i *DefaultIdentity) ID() string    { return i.id }
func (i *DefaultIdentity) Email() string { return i.email }

func (i *DefaultIdentity) String() string {
	return fmt.Sprintf("<Identity id:%s name:%s>", i.id, i.name)
}

// Allow unions the given permissions into the tree at the most specific
// level described by the arguments. Empty organization, repo or oid stand
// for wildcards.
func (i *DefaultIdentity) Allow(organization, repo, oid string, permissions PermissionSet) {
	org := treeKey(organization)
	rep := treeKey(repo)
	obj := treeKey(oid)

	repos, ok := i.allowed[org]
	if !ok {
		repos = make(map[string]map[string]PermissionSet)
		i.allowed[org] = repos
	}
	oids, ok := repos[rep]
	if !ok {
		oids = make(map[string]PermissionSet)
		repos[rep] = oids
	}
	perms, ok := oids[obj]
	if !ok {
		perms = make(PermissionSet)
		oids[obj] = perms
	}
	perms.Union(permissions)
}

// IsAuthorized resolves the most specific matching tree entry and tests the
// permission against it. A missing path yields false.
func (i *DefaultIdentity) IsAuthorized(organization, repo string, permission Permission, oid string) bool {
	if repos, ok := i.allowed[organization]; ok {
		if oids, ok := repos[repo]; ok {
			if perms, ok := oids[treeKey(oid)]; ok {
				return perms.Has(permission)
			}
			if perms, ok := oids[wildcard]; ok {
				return perms.Has(permission)
			}
			return false
		}
		if oids, ok := repos[wildcard]; ok {
			return oids[wildcard].Has(permission)
		}
		return false
	}
	if repos, ok := i.allowed[wildcard]; ok {
		if oids, ok := repos[wildcard]; ok {
			return oids[treeKey(oid)].Has(permission)
		}
	}
	return false
}
