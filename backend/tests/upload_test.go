package tests

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"releasehub/backend/storage"
)

func TestPresignUpload(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.presignUpload("track.wav", "audio/wav", "")
	if err != nil {
		t.Fatal(err)
	}

	if res.Folder == "" {
		t.Fatal("a folder should be generated when none is supplied")
	}
	if res.Key != fmt.Sprintf("uploads/%v/track.wav", res.Folder) {
		t.Fatalf("unexpected key %v for folder %v", res.Key, res.Folder)
	}
	if res.URL == "" {
		t.Fatal("grant should carry an upload url")
	}
	if res.Fields["Content-Type"] != "audio/wav" {
		t.Fatalf("grant fields should pin the content type: %v", res.Fields)
	}

	// A second file of the same submission reuses the folder.
	artwork, err := user.presignUpload("cover.jpg", "image/jpeg", res.Folder)
	if err != nil {
		t.Fatal(err)
	}
	if artwork.Folder != res.Folder || artwork.Key != fmt.Sprintf("uploads/%v/cover.jpg", res.Folder) {
		t.Fatalf("supplied folder should be reused, got %v", artwork.Key)
	}
}

func TestPresignValidation(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.presignUpload("", "audio/wav", "")
	if err == nil || !strings.Contains(err.Error(), "must be provided") {
		t.Fatalf("missing file name should be rejected: %v", err)
	}

	_, err = user.presignUpload("../../etc/passwd", "audio/wav", "")
	if err == nil || !strings.Contains(err.Error(), "path separators") {
		t.Fatalf("file names with separators should be rejected: %v", err)
	}

	unauthed := env.newClient()
	_, err = unauthed.presignUpload("track.wav", "audio/wav", "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unauthenticated presign should fail: %v", err)
	}
}

func TestClearObject(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	env.store.Put("uploads/folder1/track.wav", storage.ObjectInfo{ContentType: "audio/wav"})

	ok, err := user.clearObject("uploads/folder1/track.wav")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("clearing an existing object should succeed")
	}
	if env.store.Has("uploads/folder1/track.wav") {
		t.Fatal("object should be removed from storage")
	}

	code, _ := user.Delete("/upload/object").Json(map[string]string{"key": ""}).Status()
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("empty key should return 422, got %d", code)
	}
}
