package tests

import (
	"errors"
	"strings"
	"testing"
	"time"

	"releasehub/backend/distributor"
	"releasehub/backend/schema"
	"releasehub/backend/storage"
)

func releaseBody(title, labelId, labelName string) map[string]interface{} {
	return map[string]interface{}{
		"title":         title,
		"artists":       "Artist A",
		"release_date":  "2026-10-01",
		"language":      "en",
		"primary_genre": "Pop",
		"code":          "USX1A2400001",
		"p_line":        "2026 Example Records",
		"c_line":        "2026 Example Records",
		"duration":      "3:45",
		"master_key":    "uploads/folder1/master.wav",
		"artwork_key":   "uploads/folder1/cover.jpg",
		"label_id":      labelId,
		"label_name":    labelName,
	}
}

func seedUploadedAssets(env *testEnv) {
	env.store.Put("uploads/folder1/master.wav", storage.ObjectInfo{
		ContentType: "audio/wav", Checksum: "checksum-master", Size: 1024,
	})
	env.store.Put("uploads/folder1/cover.jpg", storage.ObjectInfo{
		ContentType: "image/jpeg", Checksum: "checksum-cover", Size: 512,
	})
}

func TestCreateAndForwardRelease(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	seedApiToken(t, env, now.Add(time.Hour), now.Add(24*time.Hour), now)
	seedUploadedAssets(env)

	res, err := user.createRelease(releaseBody("My Single", "LBL1", "My Label"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Distributor != "delivered" {
		t.Fatalf("expected forwarding to succeed, got %v", res.Distributor)
	}

	docs := env.distributor.ingestedDocs()
	if len(docs) != 1 {
		t.Fatalf("expected 1 ingested document, got %d", len(docs))
	}
	doc := docs[0].Document
	for _, want := range []string{
		"<title>My Single</title>",
		"<releaseDate>2026-10-01</releaseDate>",
		`<label id="LBL1">My Label</label>`,
		"uploads/folder1/master.wav",
		"checksum-master",
		"uploads/folder1/cover.jpg",
		"checksum-cover",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("ingested document missing %v:\n%v", want, doc)
		}
	}

	release, err := user.getRelease(res.ReleaseId)
	if err != nil {
		t.Fatal(err)
	}
	if release.Title != "My Single" || release.LabelId != "LBL1" || release.LabelName != "My Label" {
		t.Fatalf("unexpected release %v", release)
	}
}

func TestForwardingSkipsExpiredCredential(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}
	seedUploadedAssets(env)

	now := time.Now().UTC()
	seedApiToken(t, env, now.Add(-time.Hour), now.Add(24*time.Hour), now)

	// The only credential's access token is expired, so forwarding cannot
	// use it even though the row is the newest.
	res, err := user.createRelease(releaseBody("First", "LBL1", "My Label"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Distributor, "failed:") || !strings.Contains(res.Distributor, "no usable distributor credential") {
		t.Fatalf("expired-only credential store should fail forwarding, got %v", res.Distributor)
	}

	_, body := admin.Get("/release/labels").Status()
	if !strings.Contains(body, "no distributor credential available") {
		t.Fatalf("label listing with only an expired credential should fail: %v", body)
	}

	// An older but still live credential beats the newer expired one.
	live := seedApiToken(t, env, now.Add(time.Hour), now.Add(24*time.Hour), now.Add(-time.Minute))

	res, err = user.createRelease(releaseBody("Second", "LBL1", ""))
	if err != nil {
		t.Fatal(err)
	}
	if res.Distributor != "delivered" {
		t.Fatalf("expected forwarding to succeed with a live credential, got %v", res.Distributor)
	}

	docs := env.distributor.ingestedDocs()
	if len(docs) != 1 || docs[0].Bearer != live.AccessToken {
		t.Fatalf("forwarding should present the live access token, got %v docs", len(docs))
	}
}

func TestForwardFailureKeepsRelease(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	// No credential and no uploaded objects, forwarding cannot succeed.
	res, err := user.createRelease(releaseBody("My Single", "LBL1", "My Label"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Distributor, "failed:") {
		t.Fatalf("expected forwarding failure to be reported, got %v", res.Distributor)
	}

	// The release itself is committed regardless.
	release, err := user.getRelease(res.ReleaseId)
	if err != nil {
		t.Fatal(err)
	}
	if release.Title != "My Single" {
		t.Fatalf("unexpected release %v", release)
	}
}

func TestLabelCreatedOnce(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user.createRelease(releaseBody("First", "LBL1", "My Label")); err != nil {
		t.Fatal(err)
	}

	// Second submission for an existing label needs no name.
	second := releaseBody("Second", "LBL1", "")
	if _, err := user.createRelease(second); err != nil {
		t.Fatal(err)
	}

	var count int64
	if err := env.db.Model(&schema.Label{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 label row, got %d", count)
	}
}

func TestUnknownLabelRequiresName(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.createRelease(releaseBody("My Single", "LBL1", ""))
	if err == nil || !strings.Contains(err.Error(), "no label_name was provided") {
		t.Fatalf("unknown label without a name should be rejected: %v", err)
	}
}

func TestReleaseValidation(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	missing := releaseBody("", "LBL1", "My Label")
	delete(missing, "title")
	_, err = user.createRelease(missing)
	if err == nil || !strings.Contains(err.Error(), "missing required fields") || !strings.Contains(err.Error(), "title") {
		t.Fatalf("missing title should be rejected: %v", err)
	}

	badCode := releaseBody("My Single", "LBL1", "My Label")
	badCode["code"] = "not-a-code"
	_, err = user.createRelease(badCode)
	if err == nil || !strings.Contains(err.Error(), "neither a valid ISRC nor a valid UPC") {
		t.Fatalf("invalid code should be rejected: %v", err)
	}

	// 13 digit EAN is accepted as a UPC.
	upc := releaseBody("My Single", "LBL1", "My Label")
	upc["code"] = "1234567890123"
	if _, err := user.createRelease(upc); err != nil {
		t.Fatal(err)
	}

	badDate := releaseBody("My Single", "LBL1", "")
	badDate["release_date"] = "10/01/2026"
	_, err = user.createRelease(badDate)
	if err == nil || !strings.Contains(err.Error(), "invalid release_date") {
		t.Fatalf("invalid release date should be rejected: %v", err)
	}
}

func TestNonOwnerAccess(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	users := releaseUserFixture(env, &admin, t, 2)

	res, err := users[0].createRelease(releaseBody("My Single", "LBL1", "My Label"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := users[1].getRelease(res.ReleaseId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non owner cannot read a release: %v", err)
	}
	if err := users[1].deleteRelease(res.ReleaseId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non owner cannot delete a release: %v", err)
	}

	// The failed delete must not remove the row.
	if _, err := users[0].getRelease(res.ReleaseId); err != nil {
		t.Fatal(err)
	}

	// Admins can access and delete any release.
	if _, err := admin.getRelease(res.ReleaseId); err != nil {
		t.Fatal(err)
	}
	if err := admin.deleteRelease(res.ReleaseId); err != nil {
		t.Fatal(err)
	}

	releases, err := users[0].listReleases()
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 0 {
		t.Fatalf("release should be deleted, got %v", releases)
	}
}

func TestListReleasesScoping(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	users := releaseUserFixture(env, &admin, t, 2)

	if _, err := users[0].createRelease(releaseBody("First", "LBL1", "My Label")); err != nil {
		t.Fatal(err)
	}
	if _, err := users[1].createRelease(releaseBody("Second", "LBL1", "")); err != nil {
		t.Fatal(err)
	}

	mine, err := users[0].listReleases()
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].Title != "First" {
		t.Fatalf("users should only see their own releases, got %v", mine)
	}

	all, err := admin.listReleases()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("admin should see all releases, got %v", all)
	}
}

func TestUpdateRelease(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser(&admin, "abc")
	if err != nil {
		t.Fatal(err)
	}

	res, err := user.createRelease(releaseBody("Old Title", "LBL1", "My Label"))
	if err != nil {
		t.Fatal(err)
	}

	updated := releaseBody("New Title", "LBL1", "")
	updated["explicit_lyrics"] = true
	if err := user.updateRelease(res.ReleaseId, updated); err != nil {
		t.Fatal(err)
	}

	release, err := user.getRelease(res.ReleaseId)
	if err != nil {
		t.Fatal(err)
	}
	if release.Title != "New Title" || !release.ExplicitLyrics {
		t.Fatalf("update not applied: %v", release)
	}
}

func TestLabelsProxy(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	_, body := admin.Get("/release/labels").Status()
	if !strings.Contains(body, "no distributor credential available") {
		t.Fatalf("label listing without a credential should fail: %v", body)
	}

	now := time.Now().UTC()
	seedApiToken(t, env, now.Add(time.Hour), now.Add(24*time.Hour), now)
	env.distributor.setLabels([]distributor.LabelInfo{
		{Id: "LBL1", Name: "My Label"},
		{Id: "LBL2", Name: "Other Label"},
	})

	var labels []distributor.LabelInfo
	if err := admin.Get("/release/labels").Do(&labels); err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 || labels[0].Id != "LBL1" {
		t.Fatalf("unexpected labels %v", labels)
	}
}
