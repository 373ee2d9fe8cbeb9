package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"releasehub/backend/distributor"
)

const testAccessId = "test-access-id"

// distributorStub fakes the distribution platform's API. Token exchange
// responses and the label catalog are programmable, ingested documents are
// recorded for inspection.
type distributorStub struct {
	server *httptest.Server

	mu sync.Mutex

	exchangeCount   int
	failExchange    bool
	accessTTL       int64
	refreshTTL      int64
	exchangedTokens []string

	labels []distributor.LabelInfo

	ingested []ingestedDoc
}

type ingestedDoc struct {
	Storage  distributor.StorageCredentials `json:"storage"`
	Document string                         `json:"document"`

	// Bearer token the caller presented, captured from the request header.
	Bearer string `json:"-"`
}

func newDistributorStub(t *testing.T) *distributorStub {
	stub := &distributorStub{
		accessTTL:  3600,
		refreshTTL: 30 * 24 * 3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /access-token", stub.exchangeToken)
	mux.HandleFunc("GET /label", stub.listLabels)
	mux.HandleFunc("POST /ingest/scan", stub.ingestScan)

	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Access-Id") != testAccessId {
			http.Error(w, "missing or invalid access id", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(stub.server.Close)

	return stub
}

func (s *distributorStub) exchangeToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failExchange {
		http.Error(w, "token service unavailable", http.StatusServiceUnavailable)
		return
	}

	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["refresh_token"] == "" {
		http.Error(w, "missing refresh_token", http.StatusUnprocessableEntity)
		return
	}
	s.exchangedTokens = append(s.exchangedTokens, req["refresh_token"])

	s.exchangeCount++
	res := distributor.TokenResponse{
		AccessToken:           fmt.Sprintf("access-%d", s.exchangeCount),
		RefreshToken:          fmt.Sprintf("refresh-%d", s.exchangeCount),
		AccessTokenExpiresIn:  s.accessTTL,
		RefreshTokenExpiresIn: s.refreshTTL,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *distributorStub) listLabels(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels := s.labels
	if labels == nil {
		labels = []distributor.LabelInfo{}
	}
	if err := json.NewEncoder(w).Encode(labels); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *distributorStub) ingestScan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc ingestedDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid ingest request", http.StatusUnprocessableEntity)
		return
	}
	doc.Bearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.ingested = append(s.ingested, doc)

	if err := json.NewEncoder(w).Encode(map[string]string{"status": "queued"}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *distributorStub) setFailExchange(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failExchange = fail
}

func (s *distributorStub) setRefreshTTL(seconds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTTL = seconds
}

func (s *distributorStub) setLabels(labels []distributor.LabelInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = labels
}

func (s *distributorStub) exchanged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.exchangedTokens...)
}

func (s *distributorStub) ingestedDocs() []ingestedDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingestedDoc{}, s.ingested...)
}
