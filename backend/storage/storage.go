package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Grants expire after this window, the client must re-request a grant
	// if the upload has not started by then.
	GrantDuration = time.Hour

	// Maximum object size accepted through an upload grant.
	MaxUploadBytes = 100 * 1024 * 1024
)

// PostGrant is a time boxed credential for a browser style multi-field form
// upload directly to object storage.
type PostGrant struct {
	URL    string
	Fields map[string]string
	Key    string
	Expiry time.Time
}

// PutGrant is the simpler signed-URL variant used by non-form upload paths.
type PutGrant struct {
	URL    string
	Key    string
	Expiry time.Time
}

type ObjectInfo struct {
	ContentType string
	Checksum    string
	Size        int64
}

type ObjectStore interface {
	PresignUploadPost(ctx context.Context, key, contentType string) (PostGrant, error)
	PresignUploadPut(ctx context.Context, key string) (PutGrant, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// UploadKey derives the storage key for an upload. The folder component
// namespaces one submission: the caller reuses it across files so that the
// master audio and artwork of a submission land in the same folder.
func UploadKey(folder, fileName string) string {
	return fmt.Sprintf("uploads/%v/%v", folder, fileName)
}

func NewUploadFolder() string {
	return uuid.New().String()
}
