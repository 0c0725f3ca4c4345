package auth

import "net/http"

// AnonymousIdentity is the identity handed out by the anonymous
// authenticators. Only use these in closed, fully trusted deployments or as
// a deliberate read-only fallback at the end of the chain.
type AnonymousIdentity struct {
	*DefaultIdentity
}

func newAnonymousIdentity(permissions PermissionSet) *AnonymousIdentity {
	identity := &AnonymousIdentity{DefaultIdentity: NewDefaultIdentity("anonymous", "", "")}
	identity.Allow("", "", "", permissions)
	return identity
}

// AnonymousReadOnly authenticates every request as an anonymous user with
// read-only access to all objects.
type AnonymousReadOnly struct{}

func (AnonymousReadOnly) Authenticate(*http.Request) (Identity, error) {
	return newAnonymousIdentity(ReadOnlyPermissions()), nil
}

// AnonymousReadWrite authenticates every request as an anonymous user with
// full access to all objects.
type AnonymousReadWrite struct{}

func (AnonymousReadWrite) Authenticate(*http.Request) (Identity, error) {
	return newAnonymousIdentity(AllPermissions()), nil
}
