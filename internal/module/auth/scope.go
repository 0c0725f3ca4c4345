package auth

import (
	"errors"
	"sort"
	"strings"
)

// Scope is a compact grant encoded into the "scopes" claim of a token.
//
// The string form is colon separated, with one to four segments:
//
//	obj:{org}/{repo}/{oid}:{subscope}:{actions}
//
// Any entity reference piece may be "*" (or omitted) to designate a
// wildcard. The optional subscope "metadata" (or "meta") restricts the grant
// to metadata-only access. Actions is a comma separated list out of "read",
// "write" and "verify"; omitted or "*" means all actions.
type Scope struct {
	EntityType string
	EntityRef  string
	Subscope   string
	Actions    []string
}

// ScopeEntityObject is the only entity type honored for grants.
const ScopeEntityObject = "obj"

// NewObjectScope builds an object scope for the given target. Empty oid
// becomes a wildcard.
func NewObjectScope(organization, repo, oid string, actions []string) *Scope {
	if oid == "" {
		oid = "*"
	}
	return &Scope{
		EntityType: ScopeEntityObject,
		EntityRef:  organization + "/" + repo + "/" + oid,
		Actions:    actions,
	}
}

// ParseScope parses the string form of a scope.
func ParseScope(value string) (*Scope, error) {
	if value == "" {
		return nil, errors.New("scope string must have at least one segment")
	}
	parts := strings.Split(value, ":")
	scope := &Scope{EntityType: parts[0]}
	if len(parts) > 1 && parts[1] != "*" {
		scope.EntityRef = parts[1]
	}
	if len(parts) == 3 && parts[2] != "*" {
		scope.Actions = parseActions(parts[2])
	}
	if len(parts) == 4 {
		if parts[2] != "*" {
			scope.Subscope = parts[2]
		}
		if parts[3] != "*" {
			scope.Actions = parseActions(parts[3])
		}
	}
	return scope, nil
}

func parseActions(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// String renders the canonical string form of the scope.
func (s *Scope) String() string {
	parts := []string{s.EntityType}

	entityRef := s.EntityRef
	if entityRef == "*" {
		entityRef = ""
	}
	subscope := s.Subscope
	if subscope == "*" {
		subscope = ""
	}
	var actions string
	if len(s.Actions) > 0 {
		sorted := make([]string, len(s.Actions))
		copy(sorted, s.Actions)
		sort.Strings(sorted)
		actions = strings.Join(sorted, ",")
	}

	if entityRef != "" {
		parts = append(parts, entityRef)
	} else if subscope != "" || actions != "" {
		parts = append(parts, "*")
	}

	if subscope != "" {
		parts = append(parts, subscope)
		if actions == "" {
			parts = append(parts, "*")
		}
	}

	if actions != "" {
		parts = append(parts, actions)
	}

	return strings.Join(parts, ":")
}

// Grant translates the scope into permission tree coordinates. The returned
// ok is false when the scope's entity type yields no grants. Empty
// organization, repo or oid stand for wildcards.
func (s *Scope) Grant() (organization, repo, oid string, permissions PermissionSet, ok bool) {
	if s.EntityType != ScopeEntityObject {
		return "", "", "", nil, false
	}

	if s.EntityRef != "" {
		pieces := strings.SplitN(s.EntityRef, "/", 3)
		for i, p := range pieces {
			if p == "*" {
				pieces[i] = ""
			}
		}
		switch len(pieces) {
		case 3:
			organization, repo, oid = pieces[0], pieces[1], pieces[2]
		case 2:
			organization, repo = pieces[0], pieces[1]
		case 1:
			oid = pieces[0]
		}
	}

	return organization, repo, oid, s.Permissions(), true
}

// Permissions resolves the permission set granted by the scope's actions
// and subscope.
func (s *Scope) Permissions() PermissionSet {
	permissions := make(PermissionSet)
	if len(s.Actions) > 0 {
		for _, action := range s.Actions {
			switch action {
			case "read":
				permissions.Union(ReadOnlyPermissions())
			case "write":
				permissions[PermissionWrite] = struct{}{}
			case "verify":
				permissions[PermissionReadMeta] = struct{}{}
			}
		}
	} else {
		permissions = AllPermissions()
	}

	if s.Subscope == "metadata" || s.Subscope == "meta" {
		restricted := make(PermissionSet)
		if _, ok := permissions[PermissionReadMeta]; ok {
			restricted[PermissionReadMeta] = struct{}{}
		}
		permissions = restricted
	}

	return permissions
}
