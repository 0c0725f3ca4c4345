// Package lfs implements the Git LFS server API: the batch negotiation
// endpoint plus the storage and verify endpoints backing the basic
// streaming transfer.
package lfs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gitpond/lfs-server/internal/module/auth"
	"github.com/gitpond/lfs-server/internal/module/transfer"
)

// Batch operations.
const (
	OperationUpload   = "upload"
	OperationDownload = "download"
)

// extraFieldPrefix marks client extension fields on batch objects. Extras
// are passed through to transfer adapters with the prefix stripped.
const extraFieldPrefix = "x-"

// batchRequest is the parsed body of a batch API call. Unknown fields are
// rejected outright; only objects may carry prefixed extension fields.
type batchRequest struct {
	Operation string        `json:"operation"`
	Transfers []string      `json:"transfers"`
	Ref       *batchRef     `json:"ref"`
	Objects   []batchObject `json:"objects"`
}

type batchRef struct {
	Name string `json:"name"`
}

// batchObject is one object descriptor in a batch request.
type batchObject struct {
	Oid   string
	Size  int64
	Extra map[string]any
}

func (o *batchObject) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		switch key {
		case "oid":
			if err := json.Unmarshal(value, &o.Oid); err != nil {
				return fmt.Errorf("object oid: %w", err)
			}
		case "size":
			if err := json.Unmarshal(value, &o.Size); err != nil {
				return fmt.Errorf("object size: %w", err)
			}
		default:
			if !strings.HasPrefix(key, extraFieldPrefix) {
				return fmt.Errorf("unknown object field %q", key)
			}
			var extra any
			if err := json.Unmarshal(value, &extra); err != nil {
				return fmt.Errorf("object field %q: %w", key, err)
			}
			if o.Extra == nil {
				o.Extra = make(map[string]any)
			}
			o.Extra[strings.TrimPrefix(key, extraFieldPrefix)] = extra
		}
	}
	return nil
}

// batchResponse is the body of a successful batch negotiation.
type batchResponse struct {
	Transfer string             `json:"transfer,omitempty"`
	Objects  []*transfer.Result `json:"objects"`
}

// BatchMetrics records per-object batch outcomes. A nil recorder disables
// metrics.
type BatchMetrics interface {
	RecordBatchObject(operation string, failed bool)
}

// BatchHandler serves the LFS batch API endpoint.
type BatchHandler struct {
	registry *transfer.Registry
	metrics  BatchMetrics
	logger   *zap.Logger
}

// NewBatchHandler creates a batch handler negotiating over the registered
// transfer adapters.
func NewBatchHandler(registry *transfer.Registry, metrics BatchMetrics, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{registry: registry, metrics: metrics, logger: logger}
}

// Batch negotiates transfer actions for a set of objects.
func (h *BatchHandler) Batch(c *gin.Context) {
	c.Header("Content-Type", MediaType)
	organization, repo := repoParams(c)

	req, err := parseBatchRequest(c)
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, "Invalid batch request: %s", err)
		return
	}

	transfers := req.Transfers
	if len(transfers) == 0 {
		transfers = []string{"basic"}
	}
	key, adapter, err := h.registry.Match(transfers)
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, "%s", err)
		return
	}

	permission := auth.PermissionRead
	if req.Operation == OperationUpload {
		permission = auth.PermissionWrite
	}

	identity := auth.IdentityFromContext(c)
	if identity == nil {
		c.Header("LFS-Authenticate", `Basic realm="git-lfs"`)
		writeError(c, http.StatusUnauthorized, "Authorization Required")
		return
	}
	if !identity.IsAuthorized(organization, repo, permission, "") {
		// Repo-wide denial is retried per object, so identities scoped
		// to the exact objects in the request can still operate. The
		// batch proceeds only when every object clears the retry.
		for _, obj := range req.Objects {
			if !identity.IsAuthorized(organization, repo, permission, obj.Oid) {
				writeError(c, http.StatusForbidden, "Your credentials do not allow access to this resource")
				return
			}
		}
	}

	response := batchResponse{
		Transfer: key,
		Objects:  make([]*transfer.Result, 0, len(req.Objects)),
	}

	for _, obj := range req.Objects {
		var result *transfer.Result
		if req.Operation == OperationUpload {
			result, err = adapter.Upload(c.Request.Context(), organization, repo, obj.Oid, obj.Size, obj.Extra)
		} else {
			result, err = adapter.Download(c.Request.Context(), organization, repo, obj.Oid, obj.Size, obj.Extra)
		}
		if err != nil {
			h.logger.Error("transfer adapter failed",
				zap.String("operation", req.Operation),
				zap.String("oid", obj.Oid),
				zap.Error(err))
			writeError(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		response.Objects = append(response.Objects, result)
	}

	if h.metrics != nil {
		for _, obj := range response.Objects {
			h.metrics.RecordBatchObject(req.Operation, obj.Error != nil)
		}
	}

	if status, message, failed := aggregateFailure(response.Objects); failed {
		writeError(c, status, "%s", message)
		return
	}
	c.JSON(http.StatusOK, response)
}

// parseBatchRequest decodes and validates a batch request body.
func parseBatchRequest(c *gin.Context) (*batchRequest, error) {
	var req batchRequest
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return nil, err
	}

	if req.Operation != OperationUpload && req.Operation != OperationDownload {
		return nil, fmt.Errorf("unsupported operation %q", req.Operation)
	}
	if len(req.Objects) == 0 {
		return nil, fmt.Errorf("no objects to process")
	}
	for _, obj := range req.Objects {
		if obj.Oid == "" {
			return nil, fmt.Errorf("object is missing an oid")
		}
		if obj.Size < 0 {
			return nil, fmt.Errorf("object %s has a negative size", obj.Oid)
		}
	}
	return &req, nil
}

// aggregateFailure decides whether a batch where every object failed should
// collapse into a single error response.
func aggregateFailure(objects []*transfer.Result) (status int, message string, failed bool) {
	if len(objects) == 0 {
		return 0, "", false
	}
	allNotFound := true
	for _, obj := range objects {
		if obj.Error == nil {
			return 0, "", false
		}
		if obj.Error.Code != http.StatusNotFound {
			allNotFound = false
		}
	}
	if allNotFound {
		return http.StatusNotFound, "Cannot find any of the requested objects", true
	}
	return http.StatusUnprocessableEntity, "Cannot validate any of the requested objects", true
}
