package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionSet_Has(t *testing.T) {
	t.Run("read implies read-meta", func(t *testing.T) {
		perms := NewPermissionSet(PermissionRead)
		assert.True(t, perms.Has(PermissionRead))
		assert.True(t, perms.Has(PermissionReadMeta))
		assert.False(t, perms.Has(PermissionWrite))
	})

	t.Run("read-meta does not imply read", func(t *testing.T) {
		perms := NewPermissionSet(PermissionReadMeta)
		assert.True(t, perms.Has(PermissionReadMeta))
		assert.False(t, perms.Has(PermissionRead))
	})

	t.Run("empty set grants nothing", func(t *testing.T) {
		perms := NewPermissionSet()
		assert.False(t, perms.Has(PermissionRead))
		assert.False(t, perms.Has(PermissionReadMeta))
		assert.False(t, perms.Has(PermissionWrite))
	})
}

func TestDefaultIdentity_IsAuthorized(t *testing.T) {
	t.Run("exact repo grant", func(t *testing.T) {
		identity := NewDefaultIdentity("fozzie", "foz", "fozzie@example.com")
		identity.Allow("myorg", "myrepo", "", ReadOnlyPermissions())

		assert.True(t, identity.IsAuthorized("myorg", "myrepo", PermissionRead, ""))
		assert.True(t, identity.IsAuthorized("myorg", "myrepo", PermissionRead, "someobject"))
		assert.False(t, identity.IsAuthorized("myorg", "myrepo", PermissionWrite, ""))
		assert.False(t, identity.IsAuthorized("myorg", "otherrepo", PermissionRead, ""))
		assert.False(t, identity.IsAuthorized("otherorg", "myrepo", PermissionRead, ""))
	})

	t.Run("org wide grant", func(t *testing.T) {
		identity := NewDefaultIdentity("fozzie", "foz", "")
		identity.Allow("myorg", "", "", AllPermissions())

		assert.True(t, identity.IsAuthorized("myorg", "anyrepo", PermissionWrite, ""))
		assert.True(t, identity.IsAuthorized("myorg", "anyrepo", PermissionRead, "abc"))
		assert.False(t, identity.IsAuthorized("otherorg", "anyrepo", PermissionRead, ""))
	})

	t.Run("global grant", func(t *testing.T) {
		identity := NewDefaultIdentity("root", "root", "")
		identity.Allow("", "", "", AllPermissions())

		assert.True(t, identity.IsAuthorized("anyorg", "anyrepo", PermissionWrite, ""))
		assert.True(t, identity.IsAuthorized("anyorg", "anyrepo", PermissionRead, "someoid"))
	})

	t.Run("single object grant", func(t *testing.T) {
		identity := NewDefaultIdentity("fozzie", "foz", "")
		identity.Allow("myorg", "myrepo", "deadbeef", ReadOnlyPermissions())

		assert.True(t, identity.IsAuthorized("myorg", "myrepo", PermissionRead, "deadbeef"))
		assert.False(t, identity.IsAuthorized("myorg", "myrepo", PermissionRead, "cafebabe"))
		assert.False(t, identity.IsAuthorized("myorg", "myrepo", PermissionRead, ""))
	})

	t.Run("specific oid entry wins over repo wildcard", func(t *testing.T) {
		identity := NewDefaultIdentity("fozzie", "foz", "")
		identity.Allow("myorg", "myrepo", "", AllPermissions())
		identity.Allow("myorg", "myrepo", "deadbeef", NewPermissionSet(PermissionReadMeta))

		assert.False(t, identity.IsAuthorized("myorg", "myrepo", PermissionWrite, "deadbeef"))
		assert.True(t, identity.IsAuthorized("myorg", "myrepo", PermissionReadMeta, "deadbeef"))
		assert.True(t, identity.IsAuthorized("myorg", "myrepo", PermissionWrite, "cafebabe"))
	})

	t.Run("matching repo does not fall back to org wildcard", func(t *testing.T) {
		// Once an org/repo entry matches, the lookup commits to it even if
		// no oid entry is present under it.
		identity := NewDefaultIdentity("fozzie", "foz", "")
		identity.Allow("myorg", "", "", AllPermissions())
		identity.Allow("myorg", "myrepo", "deadbeef", NewPermissionSet(PermissionReadMeta))

		assert.False(t, identity.IsAuthorized("myorg", "myrepo", PermissionWrite, "cafebabe"))
		assert.True(t, identity.IsAuthorized("myorg", "otherrepo", PermissionWrite, "cafebabe"))
	})

	t.Run("grants are additive", func(t *testing.T) {
		identity := NewDefaultIdentity("fozzie", "foz", "")
		identity.Allow("myorg", "myrepo", "", ReadOnlyPermissions())
		identity.Allow("myorg", "myrepo", "", NewPermissionSet(PermissionWrite))

		assert.True(t, identity.IsAuthorized("myorg", "myrepo", PermissionRead, ""))
		assert.True(t, identity.IsAuthorized("myorg", "myrepo", PermissionWrite, ""))
	})

	t.Run("no grants", func(t *testing.T) {
		identity := NewDefaultIdentity("nobody", "", "")
		assert.False(t, identity.IsAuthorized("myorg", "myrepo", PermissionRead, ""))
	})
}

func TestAnonymousAuthenticators(t *testing.T) {
	t.Run("read only", func(t *testing.T) {
		identity, err := AnonymousReadOnly{}.Authenticate(nil)
		assert.NoError(t, err)
		assert.Equal(t, "anonymous", identity.Name())
		assert.True(t, identity.IsAuthorized("org", "repo", PermissionRead, ""))
		assert.False(t, identity.IsAuthorized("org", "repo", PermissionWrite, ""))
	})

	t.Run("read write", func(t *testing.T) {
		identity, err := AnonymousReadWrite{}.Authenticate(nil)
		assert.NoError(t, err)
		assert.True(t, identity.IsAuthorized("org", "repo", PermissionWrite, ""))
	})
}
