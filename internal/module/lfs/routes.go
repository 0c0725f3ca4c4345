package lfs

import "github.com/gin-gonic/gin"

// RegisterRoutes wires the LFS endpoints onto a router. The batch endpoint
// lives where git clients derive it from the remote URL; legacy enables the
// older path without the .git/info/lfs prefix for clients configured with a
// bare lfs.url.
func RegisterRoutes(r gin.IRouter, batch *BatchHandler, objects *ObjectsHandler, legacy bool) {
	r.POST("/:organization/:repo/info/lfs/objects/batch", batch.Batch)
	if legacy {
		r.POST("/:organization/:repo/objects/batch", batch.Batch)
	}

	if objects != nil {
		if objects.CanStream() {
			r.PUT("/:organization/:repo/objects/storage/:oid", objects.Put)
			r.GET("/:organization/:repo/objects/storage/:oid", objects.Get)
		}
		r.POST("/:organization/:repo/objects/storage/verify", objects.Verify)
	}
}
