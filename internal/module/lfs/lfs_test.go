package lfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gitpond/lfs-server/internal/module/auth"
	"github.com/gitpond/lfs-server/internal/module/storage"
	"github.com/gitpond/lfs-server/internal/module/transfer"
)

const testBaseURL = "https://lfs.example.com"

func adminIdentity() auth.Identity {
	identity := auth.NewDefaultIdentity("admin", "admin", "admin@example.com")
	identity.Allow("", "", "", auth.AllPermissions())
	return identity
}

func readOnlyIdentity() auth.Identity {
	identity := auth.NewDefaultIdentity("reader", "reader", "reader@example.com")
	identity.Allow("myorg", "myrepo", "", auth.ReadOnlyPermissions())
	return identity
}

// newTestServer builds a router over local storage with the basic streaming
// adapter and the given fallback identity for unauthenticated requests.
func newTestServer(t *testing.T, defaultIdentity auth.Identity) (*gin.Engine, *storage.LocalStorage) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store, err := storage.NewLocalStorage(storage.LocalConfig{Path: filepath.Join(t.TempDir(), "objects")})
	require.NoError(t, err)

	registry := transfer.NewRegistry()
	registry.Register("basic", transfer.NewBasicStreamingAdapter(store, transfer.NewPreauth(nil), testBaseURL, 900*time.Second))

	chain := auth.NewChain(logger)
	if defaultIdentity != nil {
		chain.SetDefaultIdentity(defaultIdentity)
	}

	router := gin.New()
	router.Use(chain.Middleware())
	RegisterRoutes(router, NewBatchHandler(registry, nil, logger), NewObjectsHandler(store, store, logger), true)
	return router, store
}

func doBatch(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", MediaType)
	req.Header.Set("Accept", MediaType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) batchResponse {
	t.Helper()
	var resp batchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Message
}

func TestBatch_Upload(t *testing.T) {
	router, store := newTestServer(t, adminIdentity())

	t.Run("new object gets upload and verify actions", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "upload",
			"objects":   []gin.H{{"oid": "12345678", "size": 8}},
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), MediaType)

		resp := decodeBatch(t, w)
		assert.Equal(t, "basic", resp.Transfer)
		require.Len(t, resp.Objects, 1)
		obj := resp.Objects[0]
		assert.Equal(t, "12345678", obj.Oid)
		assert.EqualValues(t, 8, obj.Size)
		require.NotNil(t, obj.Actions)
		require.NotNil(t, obj.Actions.Upload)
		assert.True(t, strings.HasSuffix(obj.Actions.Upload.Href, "/myorg/myrepo/objects/storage/12345678"))
		require.NotNil(t, obj.Actions.Verify)
		assert.True(t, strings.HasSuffix(obj.Actions.Verify.Href, "/myorg/myrepo/objects/storage/verify"))
	})

	t.Run("already stored object needs no actions", func(t *testing.T) {
		_, err := store.Put(context.Background(), "myorg/myrepo", "12345678", bytes.NewReader(make([]byte, 8)))
		require.NoError(t, err)

		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "upload",
			"objects":   []gin.H{{"oid": "12345678", "size": 8}},
		})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeBatch(t, w)
		require.Len(t, resp.Objects, 1)
		assert.Nil(t, resp.Objects[0].Actions)
		assert.Nil(t, resp.Objects[0].Error)
	})

	t.Run("legacy path", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo/objects/batch", gin.H{
			"operation": "upload",
			"objects":   []gin.H{{"oid": "deadbeef", "size": 4}},
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestBatch_Download(t *testing.T) {
	router, store := newTestServer(t, adminIdentity())
	_, err := store.Put(context.Background(), "myorg/myrepo", "12345678", bytes.NewReader(make([]byte, 8)))
	require.NoError(t, err)

	t.Run("existing object", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "download",
			"objects":   []gin.H{{"oid": "12345678", "size": 8}},
		})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeBatch(t, w)
		require.Len(t, resp.Objects, 1)
		require.NotNil(t, resp.Objects[0].Actions)
		require.NotNil(t, resp.Objects[0].Actions.Download)
		assert.Contains(t, resp.Objects[0].Actions.Download.Href, "/myorg/myrepo/objects/storage/12345678")
	})

	t.Run("extra filename field flows into the download href", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "download",
			"objects":   []gin.H{{"oid": "12345678", "size": 8, "x-filename": "report.pdf"}},
		})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeBatch(t, w)
		require.NotNil(t, resp.Objects[0].Actions)
		assert.Contains(t, resp.Objects[0].Actions.Download.Href, "filename=report.pdf")
	})

	t.Run("mixed present and missing objects", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "download",
			"objects": []gin.H{
				{"oid": "12345678", "size": 8},
				{"oid": "deadbeef", "size": 4},
			},
		})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeBatch(t, w)
		require.Len(t, resp.Objects, 2)
		assert.NotNil(t, resp.Objects[0].Actions)
		require.NotNil(t, resp.Objects[1].Error)
		assert.Equal(t, 404, resp.Objects[1].Error.Code)
		assert.Equal(t, "Object does not exist", resp.Objects[1].Error.Message)
	})

	t.Run("all objects missing collapses to 404", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "download",
			"objects": []gin.H{
				{"oid": "deadbeef", "size": 4},
				{"oid": "cafebabe", "size": 4},
			},
		})
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Cannot find any of the requested objects", errorMessage(t, w))
	})

	t.Run("mismatch plus missing collapses to 422", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "download",
			"objects": []gin.H{
				{"oid": "12345678", "size": 999},
				{"oid": "deadbeef", "size": 4},
			},
		})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "Cannot validate any of the requested objects", errorMessage(t, w))
	})
}

func TestBatch_Validation(t *testing.T) {
	router, _ := newTestServer(t, adminIdentity())

	cases := []struct {
		name string
		body gin.H
	}{
		{"bad operation", gin.H{"operation": "delete", "objects": []gin.H{{"oid": "a", "size": 1}}}},
		{"no objects", gin.H{"operation": "upload", "objects": []gin.H{}}},
		{"missing oid", gin.H{"operation": "upload", "objects": []gin.H{{"size": 1}}}},
		{"negative size", gin.H{"operation": "upload", "objects": []gin.H{{"oid": "a", "size": -1}}}},
		{"unknown top-level field", gin.H{"operation": "upload", "objects": []gin.H{{"oid": "a", "size": 1}}, "bogus": true}},
		{"unknown object field", gin.H{"operation": "upload", "objects": []gin.H{{"oid": "a", "size": 1, "bogus": true}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		})
	}

	t.Run("unmatched transfer", func(t *testing.T) {
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "upload",
			"transfers": []string{"tus"},
			"objects":   []gin.H{{"oid": "a", "size": 1}},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestBatch_Authorization(t *testing.T) {
	t.Run("anonymous request is rejected with 401", func(t *testing.T) {
		router, _ := newTestServer(t, nil)
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "download",
			"objects":   []gin.H{{"oid": "12345678", "size": 8}},
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, `Basic realm="git-lfs"`, w.Header().Get("LFS-Authenticate"))
	})

	t.Run("read-only identity cannot upload", func(t *testing.T) {
		router, _ := newTestServer(t, readOnlyIdentity())
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "upload",
			"objects":   []gin.H{{"oid": "12345678", "size": 8}},
		})
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Your credentials do not allow access to this resource", errorMessage(t, w))
	})

	t.Run("read-only identity can download", func(t *testing.T) {
		router, store := newTestServer(t, readOnlyIdentity())
		_, err := store.Put(context.Background(), "myorg/myrepo", "12345678", bytes.NewReader(make([]byte, 8)))
		require.NoError(t, err)
		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "download",
			"objects":   []gin.H{{"oid": "12345678", "size": 8}},
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("object-scoped identity passes when all objects are granted", func(t *testing.T) {
		identity := auth.NewDefaultIdentity("scoped", "scoped", "")
		identity.Allow("myorg", "myrepo", "12345678", auth.NewPermissionSet(auth.PermissionWrite))
		router, _ := newTestServer(t, identity)

		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "upload",
			"objects":   []gin.H{{"oid": "12345678", "size": 8}},
		})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeBatch(t, w)
		require.Len(t, resp.Objects, 1)
		assert.NotNil(t, resp.Objects[0].Actions)
	})

	t.Run("object-scoped identity is refused when any object is outside the grant", func(t *testing.T) {
		identity := auth.NewDefaultIdentity("scoped", "scoped", "")
		identity.Allow("myorg", "myrepo", "12345678", auth.NewPermissionSet(auth.PermissionWrite))
		router, _ := newTestServer(t, identity)

		w := doBatch(t, router, "/myorg/myrepo.git/info/lfs/objects/batch", gin.H{
			"operation": "upload",
			"objects": []gin.H{
				{"oid": "12345678", "size": 8},
				{"oid": "deadbeef", "size": 4},
			},
		})
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Your credentials do not allow access to this resource", errorMessage(t, w))
	})
}

func TestObjects_PutGet(t *testing.T) {
	router, _ := newTestServer(t, adminIdentity())
	content := []byte("sample object body")

	put := httptest.NewRequest(http.MethodPut, "/myorg/myrepo/objects/storage/12345678", bytes.NewReader(content))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, put)
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("get streams stored bytes", func(t *testing.T) {
		get := httptest.NewRequest(http.MethodGet, "/myorg/myrepo/objects/storage/12345678", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, get)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, content, w.Body.Bytes())
		assert.Equal(t, fmt.Sprint(len(content)), w.Header().Get("Content-Length"))
	})

	t.Run("filename drives content disposition and type", func(t *testing.T) {
		get := httptest.NewRequest(http.MethodGet, "/myorg/myrepo/objects/storage/12345678?filename=notes.txt", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, get)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `attachment; filename="notes.txt"`, w.Header().Get("Content-Disposition"))
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	})

	t.Run("missing object is 404", func(t *testing.T) {
		get := httptest.NewRequest(http.MethodGet, "/myorg/myrepo/objects/storage/deadbeef", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, get)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("anonymous put is 401", func(t *testing.T) {
		anonRouter, _ := newTestServer(t, nil)
		put := httptest.NewRequest(http.MethodPut, "/myorg/myrepo/objects/storage/12345678", bytes.NewReader(content))
		w := httptest.NewRecorder()
		anonRouter.ServeHTTP(w, put)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestObjects_Verify(t *testing.T) {
	router, store := newTestServer(t, adminIdentity())
	_, err := store.Put(context.Background(), "myorg/myrepo", "12345678", bytes.NewReader(make([]byte, 8)))
	require.NoError(t, err)

	verify := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/myorg/myrepo/objects/storage/verify", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("matching object verifies", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, verify(`{"oid": "12345678", "size": 8}`).Code)
	})

	t.Run("size mismatch", func(t *testing.T) {
		w := verify(`{"oid": "12345678", "size": 9}`)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "Object does not exist or size does not match", errorMessage(t, w))
	})

	t.Run("missing object", func(t *testing.T) {
		assert.Equal(t, http.StatusUnprocessableEntity, verify(`{"oid": "deadbeef", "size": 8}`).Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		assert.Equal(t, http.StatusUnprocessableEntity, verify(`{"oid": "x"}`).Code)
	})
}
