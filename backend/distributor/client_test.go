package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExchangeToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/access-token" {
			t.Fatalf("unexpected request %v %v", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Access-Id") != "access-id-1" {
			t.Fatalf("missing access id header")
		}

		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req["refresh_token"] != "old-refresh" {
			t.Fatalf("unexpected refresh token %v", req["refresh_token"])
		}

		err := json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:           "new-access",
			RefreshToken:          "new-refresh",
			AccessTokenExpiresIn:  3600,
			RefreshTokenExpiresIn: 86400,
		})
		if err != nil {
			t.Fatal(err)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "access-id-1")

	tokens, err := client.ExchangeToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatal(err)
	}
	if tokens.AccessToken != "new-access" || tokens.RefreshToken != "new-refresh" {
		t.Fatalf("unexpected tokens %v", tokens)
	}
	if tokens.AccessTokenExpiresIn != 3600 || tokens.RefreshTokenExpiresIn != 86400 {
		t.Fatalf("unexpected expiry windows %v", tokens)
	}
}

func TestExchangeTokenMissingFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewEncoder(w).Encode(map[string]string{"access_token": "only-access"}); err != nil {
			t.Fatal(err)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "access-id-1")

	_, err := client.ExchangeToken(context.Background(), "old-refresh")
	if err == nil || !strings.Contains(err.Error(), "missing token fields") {
		t.Fatalf("incomplete response should be rejected: %v", err)
	}
}

func TestStatusErrorPropagation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "refresh token revoked", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "access-id-1")

	_, err := client.ExchangeToken(context.Background(), "revoked")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusUnauthorized || !strings.Contains(statusErr.Body, "revoked") {
		t.Fatalf("unexpected status error %v", statusErr)
	}
}

func TestReleaseDocumentEncode(t *testing.T) {
	doc := ReleaseDocument{
		Title:          "My Single",
		Artists:        "Artist A",
		ExplicitLyrics: true,
		Language:       "en",
		PrimaryGenre:   "Pop",
		Code:           "USX1A2400001",
		Duration:       "3:45",
		Label:          LabelRef{Id: "LBL1", Name: "My Label"},
		Assets: []Asset{
			{Role: "master", Key: "uploads/a/master.wav", ContentType: "audio/wav", Checksum: "abc"},
			{Role: "artwork", Key: "uploads/a/cover.jpg", ContentType: "image/jpeg", Checksum: "def"},
		},
	}
	doc.SetReleaseDate(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))

	out, err := doc.Encode()
	if err != nil {
		t.Fatal(err)
	}
	encoded := string(out)

	if !strings.HasPrefix(encoded, "<?xml") {
		t.Fatal("document should carry an xml header")
	}
	for _, want := range []string{
		"<title>My Single</title>",
		"<releaseDate>2026-10-01</releaseDate>",
		"<explicitLyrics>true</explicitLyrics>",
		`<label id="LBL1">My Label</label>`,
		`<asset role="master">`,
		"<checksum>abc</checksum>",
		`<asset role="artwork">`,
	} {
		if !strings.Contains(encoded, want) {
			t.Fatalf("encoded document missing %v:\n%v", want, encoded)
		}
	}

	// Optional fields are omitted entirely when empty.
	for _, unwanted := range []string{"<featuredArtist>", "<secondaryGenre>", "<pLine>", "<cLine>"} {
		if strings.Contains(encoded, unwanted) {
			t.Fatalf("empty optional field %v should be omitted:\n%v", unwanted, encoded)
		}
	}
}
