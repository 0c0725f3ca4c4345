package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"go.uber.org/zap"
)

// blockIDByteSize is the fixed width of the decimal block index encoded
// into Azure block IDs. All IDs of one blob must have equal length, so the
// index is zero padded before base64 encoding.
const blockIDByteSize = 16

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	PathPrefix  string `mapstructure:"path_prefix"`
	// Endpoint overrides the default https://<account>.blob.core.windows.net
	// service URL, for Azurite or sovereign clouds.
	Endpoint string `mapstructure:"endpoint"`
	// EnableContentDigest asks clients to send a Content-MD5 with each
	// uploaded block.
	EnableContentDigest *bool `mapstructure:"enable_content_digest"`
}

// AzureBlobStorage stores objects as Azure block blobs. It supports
// server-side streaming, direct transfers via SAS URLs, and resumable
// multipart uploads built on Azure's uncommitted block list.
type AzureBlobStorage struct {
	client              *azblob.Client
	credential          *azblob.SharedKeyCredential
	serviceURL          string
	container           string
	pathPrefix          string
	enableContentDigest bool
	logger              *zap.Logger
}

var (
	_ StreamingStorage = (*AzureBlobStorage)(nil)
	_ ExternalStorage  = (*AzureBlobStorage)(nil)
	_ MultipartStorage = (*AzureBlobStorage)(nil)
)

// NewAzureBlobStorage creates an Azure Blob storage backend.
func NewAzureBlobStorage(cfg AzureConfig, logger *zap.Logger) (*AzureBlobStorage, error) {
	if cfg.AccountName == "" || cfg.AccountKey == "" || cfg.Container == "" {
		return nil, errors.New("azure storage requires account_name, account_key and container")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}

	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	serviceURL = strings.TrimSuffix(serviceURL, "/")

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL+"/", credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}

	enableDigest := true
	if cfg.EnableContentDigest != nil {
		enableDigest = *cfg.EnableContentDigest
	}

	return &AzureBlobStorage{
		client:              client,
		credential:          credential,
		serviceURL:          serviceURL,
		container:           cfg.Container,
		pathPrefix:          cfg.PathPrefix,
		enableContentDigest: enableDigest,
		logger:              logger,
	}, nil
}

func (s *AzureBlobStorage) blobName(prefix, oid string) string {
	return blobPath(s.pathPrefix, prefix, oid)
}

func (s *AzureBlobStorage) blobClient(prefix, oid string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(s.blobName(prefix, oid))
}

func (s *AzureBlobStorage) blockBlobClient(prefix, oid string) *blockblob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlockBlobClient(s.blobName(prefix, oid))
}

// Get implements the StreamingStorage interface.
func (s *AzureBlobStorage) Get(ctx context.Context, prefix, oid string) (io.ReadCloser, error) {
	resp, err := s.blobClient(prefix, oid).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("download blob: %w", err)
	}
	return resp.Body, nil
}

// Put implements the StreamingStorage interface.
func (s *AzureBlobStorage) Put(ctx context.Context, prefix, oid string, r io.Reader) (int64, error) {
	counter := &countingReader{r: r}
	_, err := s.client.UploadStream(ctx, s.container, s.blobName(prefix, oid), counter, nil)
	if err != nil {
		return 0, fmt.Errorf("upload blob: %w", err)
	}
	return counter.n, nil
}

// Exists implements the StreamingStorage interface.
func (s *AzureBlobStorage) Exists(ctx context.Context, prefix, oid string) (bool, error) {
	_, err := s.GetSize(ctx, prefix, oid)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetSize implements the StreamingStorage interface.
func (s *AzureBlobStorage) GetSize(ctx context.Context, prefix, oid string) (int64, error) {
	props, err := s.blobClient(prefix, oid).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("get blob properties: %w", err)
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

// GetMimeType implements the StreamingStorage interface.
func (s *AzureBlobStorage) GetMimeType(ctx context.Context, prefix, oid string) (string, error) {
	props, err := s.blobClient(prefix, oid).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("get blob properties: %w", err)
	}
	if props.ContentType == nil || *props.ContentType == "" {
		return "application/octet-stream", nil
	}
	return *props.ContentType, nil
}

// VerifyObject implements the VerifiableStorage interface.
func (s *AzureBlobStorage) VerifyObject(ctx context.Context, prefix, oid string, size int64) (bool, error) {
	return verifyBySize(ctx, s, prefix, oid, size)
}

// GetUploadAction implements the ExternalStorage interface.
func (s *AzureBlobStorage) GetUploadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error) {
	filename := extraString(extra, "filename")
	href, err := s.signedURL(prefix, oid, expiresIn, "", sas.BlobPermissions{Create: true})
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"x-ms-blob-type": "BlockBlob"}
	if filename != "" {
		if mimeType := GuessMimeType(filename); mimeType != "" {
			headers["x-ms-blob-content-type"] = mimeType
		}
	}

	return &ObjectActions{
		Upload: &Action{
			Href:      href,
			Header:    headers,
			ExpiresIn: int(expiresIn.Seconds()),
		},
	}, nil
}

// GetDownloadAction implements the ExternalStorage interface.
func (s *AzureBlobStorage) GetDownloadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error) {
	href, err := s.signedURL(prefix, oid, expiresIn, contentDisposition(extra), sas.BlobPermissions{Read: true})
	if err != nil {
		return nil, err
	}
	return &ObjectActions{
		Download: &Action{
			Href:      href,
			Header:    map[string]string{},
			ExpiresIn: int(expiresIn.Seconds()),
		},
	}, nil
}

// GetMultipartActions implements the MultipartStorage interface. Blocks
// already staged by an interrupted upload are omitted from the returned
// parts, so clients resume instead of re-uploading.
func (s *AzureBlobStorage) GetMultipartActions(ctx context.Context, prefix, oid string, size, partSize int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error) {
	blocks := calculateBlocks(size, partSize)
	staged, err := s.uncommittedBlocks(ctx, prefix, oid, blocks)
	if err != nil {
		return nil, err
	}

	filename := extraString(extra, "filename")
	baseURL, err := s.signedURL(prefix, oid, expiresIn, "",
		sas.BlobPermissions{Create: true, Write: true, Delete: true})
	if err != nil {
		return nil, err
	}

	parts := s.buildParts(blocks, staged, baseURL, expiresIn)
	s.logger.Info("multipart upload plan",
		zap.String("oid", oid),
		zap.Int("staged_blocks", len(staged)),
		zap.Int("remaining_parts", len(parts)))

	commitHeaders := map[string]string{"Content-type": "text/xml; charset=utf8"}
	if filename != "" {
		if mimeType := GuessMimeType(filename); mimeType != "" {
			commitHeaders["x-ms-blob-content-type"] = mimeType
		}
	}

	return &ObjectActions{
		Parts: parts,
		Commit: &Action{
			Method:    "PUT",
			Href:      baseURL + "&comp=blocklist",
			Body:      commitBody(blocks),
			Header:    commitHeaders,
			ExpiresIn: int(expiresIn.Seconds()),
		},
		Abort: &Action{
			Method:    "DELETE",
			Href:      baseURL,
			ExpiresIn: int(expiresIn.Seconds()),
		},
	}, nil
}

// signedURL builds a SAS URL for the blob with the given permissions.
func (s *AzureBlobStorage) signedURL(prefix, oid string, expiresIn time.Duration, disposition string, permissions sas.BlobPermissions) (string, error) {
	blobName := s.blobName(prefix, oid)
	values := sas.BlobSignatureValues{
		Protocol:           sas.ProtocolHTTPS,
		ExpiryTime:         time.Now().UTC().Add(expiresIn),
		Permissions:        permissions.String(),
		ContainerName:      s.container,
		BlobName:           blobName,
		ContentDisposition: disposition,
	}
	query, err := values.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("sign blob url: %w", err)
	}
	return fmt.Sprintf("%s/%s/%s?%s", s.serviceURL, s.container, blobName, query.Encode()), nil
}

// uncommittedBlocks returns the sizes of blocks already staged for the
// blob, keyed by block index. A blob in a state we can't resume from
// (committed blocks present, or staged sizes diverging from the plan) is
// deleted so the upload restarts cleanly.
func (s *AzureBlobStorage) uncommittedBlocks(ctx context.Context, prefix, oid string, blocks []azureBlock) (map[int]int64, error) {
	client := s.blockBlobClient(prefix, oid)
	resp, err := client.GetBlockList(ctx, blockblob.BlockListTypeAll, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get block list: %w", err)
	}

	if len(resp.BlockList.CommittedBlocks) > 0 {
		s.logger.Warn("unexpected committed blocks found, restarting upload",
			zap.String("oid", oid))
		if _, err := client.Delete(ctx, nil); err != nil {
			return nil, fmt.Errorf("delete partially committed blob: %w", err)
		}
		return nil, nil
	}

	staged := make(map[int]int64, len(resp.BlockList.UncommittedBlocks))
	for _, block := range resp.BlockList.UncommittedBlocks {
		id, err := decodeBlockID(deref(block.Name))
		if err != nil {
			s.logger.Warn("uncommitted block has unexpected ID format, restarting upload",
				zap.String("oid", oid))
			return nil, nil
		}
		staged[id] = deref(block.Size)
	}
	s.logger.Debug("found existing uncommitted blocks",
		zap.String("oid", oid), zap.Int("count", len(staged)))

	for _, block := range blocks {
		if size, ok := staged[block.id]; ok && size != block.size {
			s.logger.Warn("uncommitted block size does not match upload plan, restarting upload",
				zap.String("oid", oid))
			if _, err := client.Delete(ctx, nil); err != nil {
				return nil, fmt.Errorf("delete mismatched blob: %w", err)
			}
			return nil, nil
		}
	}
	return staged, nil
}

// buildParts turns the planned blocks into part requests, skipping blocks
// already staged by an interrupted upload. Part positions are byte offsets
// into the object, not block indices.
func (s *AzureBlobStorage) buildParts(blocks []azureBlock, staged map[int]int64, baseURL string, expiresIn time.Duration) []*Part {
	var parts []*Part
	for _, block := range blocks {
		if _, ok := staged[block.id]; ok {
			continue
		}
		part := &Part{
			Href:      fmt.Sprintf("%s&comp=block&blockid=%s", baseURL, url.QueryEscape(encodeBlockID(block.id))),
			Pos:       int(block.start),
			Size:      block.size,
			ExpiresIn: int(expiresIn.Seconds()),
		}
		if s.enableContentDigest {
			part.WantDigest = "contentMD5"
		}
		parts = append(parts, part)
	}
	return parts
}

// azureBlock is one planned block of a multipart upload.
type azureBlock struct {
	id    int
	start int64
	size  int64
}

// calculateBlocks partitions a blob of the given size into part_size
// blocks, the last one possibly smaller.
func calculateBlocks(size, partSize int64) []azureBlock {
	fullBlocks := size / partSize
	lastSize := size % partSize
	blocks := make([]azureBlock, 0, fullBlocks+1)
	for i := int64(0); i < fullBlocks; i++ {
		blocks = append(blocks, azureBlock{id: int(i), start: i * partSize, size: partSize})
	}
	if lastSize > 0 {
		blocks = append(blocks, azureBlock{
			id:    int(fullBlocks),
			start: fullBlocks * partSize,
			size:  lastSize,
		})
	}
	return blocks
}

// encodeBlockID encodes a block index the way the Azure API expects.
func encodeBlockID(id int) string {
	padded := fmt.Sprintf("%0*d", blockIDByteSize, id)
	return base64.StdEncoding.EncodeToString([]byte(padded))
}

func decodeBlockID(encoded string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimLeft(string(raw), "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.Atoi(trimmed)
}

// commitBody renders the Put Block List XML naming every planned block in
// order.
func commitBody(blocks []azureBlock) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><BlockList>`)
	for _, block := range blocks {
		b.WriteString("<Uncommitted>")
		b.WriteString(encodeBlockID(block.id))
		b.WriteString("</Uncommitted>")
	}
	b.WriteString("</BlockList>")
	return b.String()
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
