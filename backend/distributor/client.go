package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the distribution platform's HTTP API. All credential
// state lives in the database, the client itself is stateless.
type Client struct {
	endpoint string
	accessId string
	http     *http.Client
}

func NewClient(endpoint, accessId string) *Client {
	return &Client{
		endpoint: endpoint,
		accessId: accessId,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx distributor responses so that callers
// can propagate the upstream status code and body.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("distributor returned status %d: %v", e.Code, e.Body)
}

type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessTokenExpiresIn  int64  `json:"access_token_expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

type LabelInfo struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// StorageCredentials are forwarded with ingestion requests so the
// distributor can fetch the referenced objects itself.
type StorageCredentials struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region"`
	AccessKey    string `json:"access_key"`
	AccessSecret string `json:"access_secret"`
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("X-Access-Id", c.accessId)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling distributor api: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading distributor response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Code: res.StatusCode, Body: string(body)}
	}

	return body, nil
}

// ExchangeToken trades a refresh token for a new access/refresh pair. The
// expiry fields are relative windows in seconds, access and refresh expire
// independently.
func (c *Client) ExchangeToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	reqBody, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("error encoding token exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/access-token", bytes.NewReader(reqBody))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("error creating token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return TokenResponse{}, err
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return TokenResponse{}, fmt.Errorf("error parsing token exchange response: %w", err)
	}

	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return TokenResponse{}, fmt.Errorf("token exchange response is missing token fields")
	}

	return tokens, nil
}

func (c *Client) Labels(ctx context.Context, accessToken string) ([]LabelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"/label", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating label request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var labels []LabelInfo
	if err := json.Unmarshal(body, &labels); err != nil {
		return nil, fmt.Errorf("error parsing label response: %w", err)
	}

	return labels, nil
}

type ingestRequest struct {
	Storage  StorageCredentials `json:"storage"`
	Document string             `json:"document"`
}

type ingestResponse struct {
	Status string `json:"status"`
}

// IngestScan submits a serialized release document for ingestion. Returns
// the ingestion status reported by the distributor.
func (c *Client) IngestScan(ctx context.Context, accessToken string, creds StorageCredentials, doc []byte) (string, error) {
	reqBody, err := json.Marshal(ingestRequest{Storage: creds, Document: string(doc)})
	if err != nil {
		return "", fmt.Errorf("error encoding ingest request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/ingest/scan", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("error creating ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var res ingestResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("error parsing ingest response: %w", err)
	}

	return res.Status, nil
}
