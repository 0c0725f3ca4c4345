package lfs

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gitpond/lfs-server/internal/module/auth"
)

// MediaType is the Git LFS JSON media type used for requests and responses.
const MediaType = "application/vnd.git-lfs+json"

type errorBody struct {
	Message string `json:"message"`
}

// writeError sends a Git LFS error document and aborts the request.
func writeError(c *gin.Context, status int, format string, args ...any) {
	c.Header("Content-Type", MediaType)
	c.AbortWithStatusJSON(status, errorBody{Message: fmt.Sprintf(format, args...)})
}

// requireAuthorization enforces a permission on the request identity,
// writing a 401 for anonymous requests and a 403 for authenticated ones
// lacking the permission. An empty oid requires repo-wide access.
func requireAuthorization(c *gin.Context, organization, repo string, permission auth.Permission, oid string) bool {
	identity := auth.IdentityFromContext(c)
	if identity != nil && identity.IsAuthorized(organization, repo, permission, oid) {
		return true
	}
	if identity == nil {
		c.Header("LFS-Authenticate", `Basic realm="git-lfs"`)
		writeError(c, http.StatusUnauthorized, "Authorization Required")
	} else {
		writeError(c, http.StatusForbidden, "Your credentials do not allow access to this resource")
	}
	return false
}

// repoParams extracts the organization and repo route parameters, shedding
// the ".git" suffix git clients append.
func repoParams(c *gin.Context) (organization, repo string) {
	organization = c.Param("organization")
	repo = c.Param("repo")
	if len(repo) > 4 && repo[len(repo)-4:] == ".git" {
		repo = repo[:len(repo)-4]
	}
	return organization, repo
}
