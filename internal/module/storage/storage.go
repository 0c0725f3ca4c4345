// Package storage provides object storage backends for Git LFS objects, from
// plain local disk to cloud providers issuing signed transfer URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"time"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("object was not found")

// InvalidObjectError signals that a stored object does not match what the
// caller described, typically a size mismatch.
type InvalidObjectError struct {
	Message string
}

func (e *InvalidObjectError) Error() string {
	return e.Message
}

// InvalidObjectf creates an InvalidObjectError with a formatted message.
func InvalidObjectf(format string, args ...any) error {
	return &InvalidObjectError{Message: fmt.Sprintf(format, args...)}
}

// Action describes one HTTP request a client should perform against storage.
type Action struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	Method    string            `json:"method,omitempty"`
	Body      string            `json:"body,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Part is one piece of a multipart upload.
type Part struct {
	Href       string `json:"href"`
	Pos        int    `json:"pos"`
	Size       int64  `json:"size"`
	ExpiresIn  int    `json:"expires_in,omitempty"`
	WantDigest string `json:"want_digest,omitempty"`
}

// ObjectActions is the action plan a backend hands out for one object.
// Unused actions are nil.
type ObjectActions struct {
	Upload   *Action `json:"upload,omitempty"`
	Download *Action `json:"download,omitempty"`
	Verify   *Action `json:"verify,omitempty"`
	Commit   *Action `json:"commit,omitempty"`
	Abort    *Action `json:"abort,omitempty"`
	Parts    []*Part `json:"parts,omitempty"`
}

// VerifiableStorage is a backend able to verify a stored object against its
// expected size. Absence of the object is not an error, just a negative
// result.
type VerifiableStorage interface {
	VerifyObject(ctx context.Context, prefix, oid string, size int64) (bool, error)
}

// StreamingStorage is a backend the server itself can stream objects in and
// out of.
type StreamingStorage interface {
	VerifiableStorage

	Get(ctx context.Context, prefix, oid string) (io.ReadCloser, error)
	Put(ctx context.Context, prefix, oid string, r io.Reader) (int64, error)
	Exists(ctx context.Context, prefix, oid string) (bool, error)
	GetSize(ctx context.Context, prefix, oid string) (int64, error)
	GetMimeType(ctx context.Context, prefix, oid string) (string, error)
}

// ExternalStorage is a backend clients talk to directly through signed
// URLs issued by the server.
type ExternalStorage interface {
	VerifiableStorage

	GetUploadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error)
	GetDownloadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error)
	Exists(ctx context.Context, prefix, oid string) (bool, error)
	GetSize(ctx context.Context, prefix, oid string) (int64, error)
}

// MultipartStorage is a backend supporting chunked direct-to-cloud uploads.
type MultipartStorage interface {
	VerifiableStorage

	GetMultipartActions(ctx context.Context, prefix, oid string, size, partSize int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error)
	GetDownloadAction(ctx context.Context, prefix, oid string, size int64, expiresIn time.Duration, extra map[string]any) (*ObjectActions, error)
	Exists(ctx context.Context, prefix, oid string) (bool, error)
	GetSize(ctx context.Context, prefix, oid string) (int64, error)
}

// sizer is the common denominator verifyBySize needs from any backend.
type sizer interface {
	GetSize(ctx context.Context, prefix, oid string) (int64, error)
}

// verifyBySize implements VerifyObject by comparing stored and expected
// sizes. A missing object verifies to false, not an error.
func verifyBySize(ctx context.Context, s sizer, prefix, oid string, size int64) (bool, error) {
	actual, err := s.GetSize(ctx, prefix, oid)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return actual == size, nil
}

// blobPath joins the configured root prefix with an object's storage
// identity, stripping a leading slash off the root prefix.
func blobPath(pathPrefix, prefix, oid string) string {
	root := pathPrefix
	if len(root) > 0 && root[0] == '/' {
		root = root[1:]
	}
	return path.Join(root, prefix, oid)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeFilename reduces a client-supplied filename to characters safe to
// embed in HTTP headers and URLs.
func SafeFilename(filename string) string {
	return unsafeFilenameChars.ReplaceAllString(filename, "")
}

// GuessMimeType guesses a content type from a filename's extension, or
// returns empty when unknown.
func GuessMimeType(filename string) string {
	return mime.TypeByExtension(filepath.Ext(filename))
}

// extraString reads an optional string field from a batch object's extra
// fields.
func extraString(extra map[string]any, key string) string {
	if extra == nil {
		return ""
	}
	value, _ := extra[key].(string)
	return value
}

// contentDisposition builds a Content-Disposition value from the extra
// fields' filename and disposition hints, defaulting to attachment.
func contentDisposition(extra map[string]any) string {
	filename := extraString(extra, "filename")
	disposition := extraString(extra, "disposition")
	if disposition == "" {
		disposition = "attachment"
	}
	if filename != "" {
		return fmt.Sprintf("%s; filename=%q", disposition, SafeFilename(filename))
	}
	return disposition
}
