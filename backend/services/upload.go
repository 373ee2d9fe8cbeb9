package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"releasehub/backend/auth"
	"releasehub/backend/metrics"
	"releasehub/backend/storage"
	"releasehub/utils"
)

type UploadService struct {
	db       *gorm.DB
	userAuth *auth.JwtManager
	store    storage.ObjectStore
}

func (s *UploadService) Routes() chi.Router {
	r := chi.NewRouter()

	// Grant issuance requires an authenticated caller; unauthenticated
	// requests are rejected before any storage interaction.
	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.Middleware(s.db)...)

		r.Post("/presign", s.Presign)
		r.Post("/presign-put", s.PresignPut)
		r.Delete("/object", s.ClearObject)
	})

	return r
}

type presignRequest struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`

	// Optional pregenerated folder component, reused so multiple files of
	// one submission share a folder.
	Folder string `json:"folder"`
}

type presignResponse struct {
	Key    string            `json:"key"`
	Folder string            `json:"folder"`
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields,omitempty"`
	Expiry time.Time         `json:"expiry"`
}

func (s *UploadService) parsePresignRequest(w http.ResponseWriter, r *http.Request) (presignRequest, bool) {
	var params presignRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return params, false
	}

	if params.FileName == "" || params.FileType == "" {
		http.Error(w, "file_name and file_type must be provided", http.StatusUnprocessableEntity)
		return params, false
	}
	if strings.Contains(params.FileName, "/") {
		http.Error(w, "file_name must not contain path separators", http.StatusUnprocessableEntity)
		return params, false
	}

	if params.Folder == "" {
		params.Folder = storage.NewUploadFolder()
	}

	return params, true
}

func (s *UploadService) Presign(w http.ResponseWriter, r *http.Request) {
	params, ok := s.parsePresignRequest(w, r)
	if !ok {
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	key := storage.UploadKey(params.Folder, params.FileName)

	grant, err := s.store.PresignUploadPost(r.Context(), key, params.FileType)
	if err != nil {
		slog.Error("error issuing upload grant", "user_id", user.Id, "key", key, "error", err)
		http.Error(w, fmt.Sprintf("error issuing upload grant: %v", err), http.StatusInternalServerError)
		return
	}

	metrics.UploadGrants.Inc()
	slog.Info("issued upload grant", "user_id", user.Id, "key", key, "expiry", grant.Expiry)

	utils.WriteJsonResponse(w, presignResponse{
		Key:    grant.Key,
		Folder: params.Folder,
		URL:    grant.URL,
		Fields: grant.Fields,
		Expiry: grant.Expiry,
	})
}

func (s *UploadService) PresignPut(w http.ResponseWriter, r *http.Request) {
	params, ok := s.parsePresignRequest(w, r)
	if !ok {
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	key := storage.UploadKey(params.Folder, params.FileName)

	grant, err := s.store.PresignUploadPut(r.Context(), key)
	if err != nil {
		slog.Error("error issuing put upload grant", "user_id", user.Id, "key", key, "error", err)
		http.Error(w, fmt.Sprintf("error issuing upload grant: %v", err), http.StatusInternalServerError)
		return
	}

	metrics.UploadGrants.Inc()

	utils.WriteJsonResponse(w, presignResponse{
		Key:    grant.Key,
		Folder: params.Folder,
		URL:    grant.URL,
		Expiry: grant.Expiry,
	})
}

type clearObjectRequest struct {
	Key string `json:"key"`
}

type clearObjectResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ClearObject deletes an uploaded object, e.g. when the user re-selects a
// file before submitting. Storage failures are returned as a structured
// result so the client can branch on ok instead of handling a 5xx.
func (s *UploadService) ClearObject(w http.ResponseWriter, r *http.Request) {
	var params clearObjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Key == "" {
		http.Error(w, "key must be provided", http.StatusUnprocessableEntity)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.store.Delete(r.Context(), params.Key); err != nil {
		slog.Error("error clearing uploaded object", "user_id", user.Id, "key", params.Key, "error", err)
		utils.WriteJsonResponse(w, clearObjectResponse{Ok: false, Error: err.Error()})
		return
	}

	slog.Info("cleared uploaded object", "user_id", user.Id, "key", params.Key)
	utils.WriteJsonResponse(w, clearObjectResponse{Ok: true})
}
