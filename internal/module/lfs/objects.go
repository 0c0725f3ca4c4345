package lfs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gitpond/lfs-server/internal/module/auth"
	"github.com/gitpond/lfs-server/internal/module/storage"
)

// ObjectsHandler serves the storage and verify endpoints transfer adapters
// point clients at. The streaming endpoints are only available when the
// backend supports streaming through the server; verification works against
// any backend.
type ObjectsHandler struct {
	streaming storage.StreamingStorage
	verifier  storage.VerifiableStorage
	logger    *zap.Logger
}

// NewObjectsHandler creates a handler over the given backends. streaming
// may be nil for backends clients talk to directly.
func NewObjectsHandler(streaming storage.StreamingStorage, verifier storage.VerifiableStorage, logger *zap.Logger) *ObjectsHandler {
	return &ObjectsHandler{streaming: streaming, verifier: verifier, logger: logger}
}

// CanStream reports whether the streaming endpoints are available.
func (h *ObjectsHandler) CanStream() bool {
	return h.streaming != nil
}

// Put receives an object's content from the client.
func (h *ObjectsHandler) Put(c *gin.Context) {
	organization, repo := repoParams(c)
	oid := c.Param("oid")
	if !requireAuthorization(c, organization, repo, auth.PermissionWrite, oid) {
		return
	}

	written, err := h.streaming.Put(c.Request.Context(), prefix(organization, repo), oid, c.Request.Body)
	if err != nil {
		h.logger.Error("object upload failed", zap.String("oid", oid), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "Failed to store object")
		return
	}
	h.logger.Debug("object stored",
		zap.String("organization", organization),
		zap.String("repo", repo),
		zap.String("oid", oid),
		zap.Int64("size", written))
	c.Status(http.StatusOK)
}

// Get streams an object's content to the client.
func (h *ObjectsHandler) Get(c *gin.Context) {
	organization, repo := repoParams(c)
	oid := c.Param("oid")
	if !requireAuthorization(c, organization, repo, auth.PermissionRead, oid) {
		return
	}

	ctx := c.Request.Context()
	size, err := h.streaming.GetSize(ctx, prefix(organization, repo), oid)
	if errors.Is(err, storage.ErrObjectNotFound) {
		writeError(c, http.StatusNotFound, "The object was not found")
		return
	}
	if err != nil {
		h.logger.Error("object stat failed", zap.String("oid", oid), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "Failed to read object")
		return
	}

	reader, err := h.streaming.Get(ctx, prefix(organization, repo), oid)
	if err != nil {
		h.logger.Error("object read failed", zap.String("oid", oid), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "Failed to read object")
		return
	}
	defer reader.Close()

	mimeType, err := h.streaming.GetMimeType(ctx, prefix(organization, repo), oid)
	if err != nil || mimeType == "" {
		mimeType = "application/octet-stream"
	}

	headers := map[string]string{}
	if filename := storage.SafeFilename(c.Query("filename")); filename != "" {
		headers["Content-Disposition"] = fmt.Sprintf("attachment; filename=%q", filename)
		if guessed := storage.GuessMimeType(filename); guessed != "" {
			mimeType = guessed
		}
	}
	c.DataFromReader(http.StatusOK, size, mimeType, reader, headers)
}

type verifyRequest struct {
	Oid  string `json:"oid" binding:"required"`
	Size *int64 `json:"size" binding:"required"`
}

// Verify confirms an uploaded object exists with the size the client
// reported.
func (h *ObjectsHandler) Verify(c *gin.Context) {
	organization, repo := repoParams(c)

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusUnprocessableEntity, "Invalid verify request: %s", err)
		return
	}
	if !requireAuthorization(c, organization, repo, auth.PermissionReadMeta, req.Oid) {
		return
	}

	ok, err := h.verifier.VerifyObject(c.Request.Context(), prefix(organization, repo), req.Oid, *req.Size)
	if err != nil {
		h.logger.Error("object verify failed", zap.String("oid", req.Oid), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "Failed to verify object")
		return
	}
	if !ok {
		writeError(c, http.StatusUnprocessableEntity, "Object does not exist or size does not match")
		return
	}
	c.Status(http.StatusOK)
}

// prefix joins an organization and repo into the storage namespace prefix.
func prefix(organization, repo string) string {
	return organization + "/" + repo
}
