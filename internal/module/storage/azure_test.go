package storage

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBlocks(t *testing.T) {
	t.Run("even split", func(t *testing.T) {
		blocks := calculateBlocks(30, 10)
		require.Len(t, blocks, 3)
		assert.Equal(t, azureBlock{id: 0, start: 0, size: 10}, blocks[0])
		assert.Equal(t, azureBlock{id: 1, start: 10, size: 10}, blocks[1])
		assert.Equal(t, azureBlock{id: 2, start: 20, size: 10}, blocks[2])
	})

	t.Run("smaller last block", func(t *testing.T) {
		blocks := calculateBlocks(28, 10)
		require.Len(t, blocks, 3)
		assert.Equal(t, azureBlock{id: 2, start: 20, size: 8}, blocks[2])
	})

	t.Run("single short block", func(t *testing.T) {
		blocks := calculateBlocks(7, 10)
		require.Len(t, blocks, 1)
		assert.Equal(t, azureBlock{id: 0, start: 0, size: 7}, blocks[0])
	})

	t.Run("empty file", func(t *testing.T) {
		assert.Empty(t, calculateBlocks(0, 10))
	})
}

func TestEncodeBlockID(t *testing.T) {
	t.Run("fixed width zero padded decimal", func(t *testing.T) {
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("0000000000000007")), encodeBlockID(7))
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("0000000000000000")), encodeBlockID(0))
	})

	t.Run("all ids have equal length", func(t *testing.T) {
		assert.Len(t, encodeBlockID(123456), len(encodeBlockID(0)))
	})

	t.Run("round trip", func(t *testing.T) {
		for _, id := range []int{0, 1, 42, 99999} {
			decoded, err := decodeBlockID(encodeBlockID(id))
			require.NoError(t, err)
			assert.Equal(t, id, decoded)
		}
	})

	t.Run("garbage id", func(t *testing.T) {
		_, err := decodeBlockID("not-base64!!")
		assert.Error(t, err)
	})
}

func TestBuildParts(t *testing.T) {
	s := &AzureBlobStorage{}

	t.Run("positions are byte offsets", func(t *testing.T) {
		parts := s.buildParts(calculateBlocks(28, 10), nil, "https://blob?sig=x", time.Minute)
		require.Len(t, parts, 3)
		assert.Equal(t, []int{0, 10, 20}, []int{parts[0].Pos, parts[1].Pos, parts[2].Pos})
		assert.Equal(t, []int64{10, 10, 8}, []int64{parts[0].Size, parts[1].Size, parts[2].Size})
		assert.Equal(t, 60, parts[0].ExpiresIn)
		assert.Contains(t, parts[0].Href, "comp=block&blockid=")
		assert.Empty(t, parts[0].WantDigest)
	})

	t.Run("staged blocks are skipped", func(t *testing.T) {
		parts := s.buildParts(calculateBlocks(30, 10), map[int]int64{1: 10}, "https://blob?sig=x", time.Minute)
		require.Len(t, parts, 2)
		assert.Equal(t, 0, parts[0].Pos)
		assert.Equal(t, 20, parts[1].Pos)
	})

	t.Run("content digest toggle", func(t *testing.T) {
		digesting := &AzureBlobStorage{enableContentDigest: true}
		parts := digesting.buildParts(calculateBlocks(10, 10), nil, "https://blob?sig=x", time.Minute)
		require.Len(t, parts, 1)
		assert.Equal(t, "contentMD5", parts[0].WantDigest)
	})
}

func TestCommitBody(t *testing.T) {
	body := commitBody(calculateBlocks(25, 10))
	expected := `<?xml version="1.0" encoding="utf-8"?><BlockList>` +
		"<Uncommitted>" + encodeBlockID(0) + "</Uncommitted>" +
		"<Uncommitted>" + encodeBlockID(1) + "</Uncommitted>" +
		"<Uncommitted>" + encodeBlockID(2) + "</Uncommitted>" +
		"</BlockList>"
	assert.Equal(t, expected, body)
}
