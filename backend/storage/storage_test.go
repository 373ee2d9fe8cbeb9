package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadKey(t *testing.T) {
	assert.Equal(t, "uploads/abc/track.wav", UploadKey("abc", "track.wav"))

	folder := NewUploadFolder()
	require.NotEmpty(t, folder)
	assert.NotEqual(t, folder, NewUploadFolder())
}

func TestMemoryStoreHeadAndDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Head(ctx, "uploads/abc/track.wav")
	require.Error(t, err)

	info := ObjectInfo{ContentType: "audio/wav", Checksum: "abc123", Size: 2048}
	store.Put("uploads/abc/track.wav", info)

	got, err := store.Head(ctx, "uploads/abc/track.wav")
	require.NoError(t, err)
	assert.Equal(t, info, got)

	require.NoError(t, store.Delete(ctx, "uploads/abc/track.wav"))
	assert.False(t, store.Has("uploads/abc/track.wav"))

	// Deleting a missing object is not an error.
	require.NoError(t, store.Delete(ctx, "uploads/abc/track.wav"))
}

func TestMemoryStoreGrants(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	post, err := store.PresignUploadPost(ctx, "uploads/abc/track.wav", "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "uploads/abc/track.wav", post.Key)
	assert.Equal(t, "audio/wav", post.Fields["Content-Type"])
	assert.False(t, post.Expiry.IsZero())

	put, err := store.PresignUploadPut(ctx, "uploads/abc/cover.jpg")
	require.NoError(t, err)
	assert.Equal(t, "uploads/abc/cover.jpg", put.Key)
	assert.Contains(t, put.URL, put.Key)
}
