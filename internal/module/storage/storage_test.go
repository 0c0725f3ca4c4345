package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlobPath(t *testing.T) {
	t.Run("no prefix", func(t *testing.T) {
		assert.Equal(t, "myorg/myrepo/abc", blobPath("", "myorg/myrepo", "abc"))
	})

	t.Run("prefix", func(t *testing.T) {
		assert.Equal(t, "lfs/myorg/myrepo/abc", blobPath("lfs", "myorg/myrepo", "abc"))
	})

	t.Run("leading slash is stripped", func(t *testing.T) {
		assert.Equal(t, "lfs/myorg/myrepo/abc", blobPath("/lfs", "myorg/myrepo", "abc"))
	})
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "example1.txt", SafeFilename("example(1).txt"))
	assert.Equal(t, "_exmple2.old.xlsx", SafeFilename("_ex@mple 2%.old.xlsx"))
	assert.Equal(t, "plain-name_1.bin", SafeFilename("plain-name_1.bin"))
}

func TestContentDisposition(t *testing.T) {
	t.Run("defaults to attachment", func(t *testing.T) {
		assert.Equal(t, "attachment", contentDisposition(nil))
	})

	t.Run("with filename", func(t *testing.T) {
		extra := map[string]any{"filename": "report(final).pdf"}
		assert.Equal(t, `attachment; filename="reportfinal.pdf"`, contentDisposition(extra))
	})

	t.Run("custom disposition", func(t *testing.T) {
		extra := map[string]any{"filename": "a.txt", "disposition": "inline"}
		assert.Equal(t, `inline; filename="a.txt"`, contentDisposition(extra))
	})
}
