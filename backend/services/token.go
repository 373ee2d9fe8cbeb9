package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"releasehub/backend/auth"
	"releasehub/backend/distributor"
	"releasehub/backend/mailer"
	"releasehub/backend/metrics"
	"releasehub/backend/schema"
	"releasehub/utils"
)

var ErrNoRefreshTokenAvailable = errors.New("no refresh token available")

type TokenService struct {
	db          *gorm.DB
	userAuth    *auth.JwtManager
	distributor *distributor.Client
	mailer      mailer.Mailer

	adminEmail           string
	portalURL            string
	fallbackRefreshToken string
	serviceKey           string
}

func (s *TokenService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.Middleware(s.db)...)
		r.Use(auth.AdminOnly())

		r.Get("/list", s.List)
		r.Get("/{token_id}", s.GetSingle)
		r.Post("/create", s.Create)
		r.Post("/{token_id}/update", s.Update)
		r.Delete("/{token_id}", s.Delete)
		r.Post("/refresh", s.Refresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireServiceKey(s.serviceKey))

		r.Post("/sweep", s.Sweep)
	})

	return r
}

type ApiTokenInfo struct {
	Id                 uuid.UUID `json:"id"`
	AccessToken        string    `json:"access_token"`
	RefreshToken       string    `json:"refresh_token"`
	AccessTokenExpiry  time.Time `json:"access_token_expiry"`
	RefreshTokenExpiry time.Time `json:"refresh_token_expiry"`
	Valid              bool      `json:"valid"`
	CreatedAt          time.Time `json:"created_at"`
}

func convertToApiTokenInfo(token *schema.ApiToken) ApiTokenInfo {
	return ApiTokenInfo{
		Id:                 token.Id,
		AccessToken:        token.AccessToken,
		RefreshToken:       token.RefreshToken,
		AccessTokenExpiry:  token.AccessTokenExpiry,
		RefreshTokenExpiry: token.RefreshTokenExpiry,
		Valid:              token.Valid,
		CreatedAt:          token.CreatedAt,
	}
}

func (s *TokenService) List(w http.ResponseWriter, r *http.Request) {
	var tokens []schema.ApiToken
	result := s.db.Order("created_at DESC").Find(&tokens)
	if result.Error != nil {
		slog.Error("sql error listing api tokens", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing api tokens: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ApiTokenInfo, 0, len(tokens))
	for _, t := range tokens {
		infos = append(infos, convertToApiTokenInfo(&t))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *TokenService) GetSingle(w http.ResponseWriter, r *http.Request) {
	tokenId, err := utils.URLParamUUID(r, "token_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := schema.GetApiToken(tokenId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrTokenNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting api token: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToApiTokenInfo(&token))
}

type apiTokenRequest struct {
	AccessToken        string    `json:"access_token"`
	RefreshToken       string    `json:"refresh_token"`
	AccessTokenExpiry  time.Time `json:"access_token_expiry"`
	RefreshTokenExpiry time.Time `json:"refresh_token_expiry"`
}

type apiTokenResponse struct {
	TokenId uuid.UUID `json:"token_id"`
}

// Create inserts a credential row directly, used by admins to paste in a
// token pair obtained through the distributor's portal.
func (s *TokenService) Create(w http.ResponseWriter, r *http.Request) {
	var params apiTokenRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.AccessToken == "" || params.RefreshToken == "" {
		http.Error(w, "access_token and refresh_token must be provided", http.StatusUnprocessableEntity)
		return
	}

	token := schema.ApiToken{
		Id:                 uuid.New(),
		AccessToken:        params.AccessToken,
		RefreshToken:       params.RefreshToken,
		AccessTokenExpiry:  params.AccessTokenExpiry,
		RefreshTokenExpiry: params.RefreshTokenExpiry,
		Valid:              true,
	}

	result := s.db.Create(&token)
	if result.Error != nil {
		slog.Error("sql error creating api token", "error", result.Error)
		http.Error(w, fmt.Sprintf("error creating api token: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, apiTokenResponse{TokenId: token.Id})
}

func (s *TokenService) Update(w http.ResponseWriter, r *http.Request) {
	tokenId, err := utils.URLParamUUID(r, "token_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params apiTokenRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		token, err := schema.GetApiToken(tokenId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrTokenNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		token.AccessToken = params.AccessToken
		token.RefreshToken = params.RefreshToken
		token.AccessTokenExpiry = params.AccessTokenExpiry
		token.RefreshTokenExpiry = params.RefreshTokenExpiry

		result := txn.Save(&token)
		if result.Error != nil {
			slog.Error("sql error updating api token", "token_id", tokenId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating api token: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *TokenService) Delete(w http.ResponseWriter, r *http.Request) {
	tokenId, err := utils.URLParamUUID(r, "token_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := s.db.Delete(&schema.ApiToken{Id: tokenId})
	if result.Error != nil {
		slog.Error("sql error deleting api token", "token_id", tokenId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error deleting api token: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *TokenService) Refresh(w http.ResponseWriter, r *http.Request) {
	var params refreshRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	token, err := s.refresh(r.Context(), params.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		http.Error(w, fmt.Sprintf("error refreshing api token: %v", err), GetResponseCode(err))
		return
	}

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	utils.WriteJsonResponse(w, convertToApiTokenInfo(&token))
}

// resolveRefreshToken picks the refresh token to exchange: an explicit
// caller supplied token, then the most recently created stored credential,
// then the configured fallback.
func (s *TokenService) resolveRefreshToken(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	current, err := schema.CurrentApiToken(s.db)
	if err == nil {
		return current.RefreshToken, nil
	}
	if !errors.Is(err, schema.ErrTokenNotFound) {
		return "", CodedError(err, http.StatusInternalServerError)
	}

	if s.fallbackRefreshToken != "" {
		return s.fallbackRefreshToken, nil
	}

	return "", CodedError(ErrNoRefreshTokenAvailable, http.StatusUnprocessableEntity)
}

// refresh exchanges a refresh token for a new credential pair and appends
// it as a new row. Every successful exchange mints a row, duplicate calls
// included; callers that care must serialize.
func (s *TokenService) refresh(ctx context.Context, explicitRefreshToken string) (schema.ApiToken, error) {
	refreshToken, err := s.resolveRefreshToken(explicitRefreshToken)
	if err != nil {
		return schema.ApiToken{}, err
	}

	exchanged, err := s.distributor.ExchangeToken(ctx, refreshToken)
	if err != nil {
		var statusErr *distributor.StatusError
		if errors.As(err, &statusErr) {
			return schema.ApiToken{}, CodedError(err, statusErr.Code)
		}
		slog.Error("token exchange failed", "error", err)
		return schema.ApiToken{}, CodedError(errors.New("token exchange failed"), http.StatusBadGateway)
	}

	now := time.Now().UTC()
	token := schema.ApiToken{
		Id:                 uuid.New(),
		AccessToken:        exchanged.AccessToken,
		RefreshToken:       exchanged.RefreshToken,
		AccessTokenExpiry:  now.Add(time.Duration(exchanged.AccessTokenExpiresIn) * time.Second),
		RefreshTokenExpiry: now.Add(time.Duration(exchanged.RefreshTokenExpiresIn) * time.Second),
		Valid:              true,
		CreatedAt:          now,
	}

	result := s.db.Create(&token)
	if result.Error != nil {
		slog.Error("sql error persisting refreshed api token", "error", result.Error)
		return schema.ApiToken{}, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	slog.Info("persisted refreshed api token", "token_id", token.Id,
		"access_expiry", token.AccessTokenExpiry, "refresh_expiry", token.RefreshTokenExpiry)

	// A refresh token that is already expired at persist time means the
	// integration is one access-token lifetime away from dying, and the
	// system cannot recover on its own. Alert the admins so someone renews
	// it manually. The row is kept either way.
	if !token.RefreshTokenExpiry.After(now) {
		if err := s.sendStaleRefreshTokenAlert(&token); err != nil {
			slog.Error("error sending stale refresh token alert", "token_id", token.Id, "error", err)
		}
	}

	return token, nil
}

func (s *TokenService) sendStaleRefreshTokenAlert(token *schema.ApiToken) error {
	subject := "Distributor refresh token requires manual renewal"
	text := fmt.Sprintf(
		"The refresh token stored for the distributor integration expired at %v. "+
			"Automatic refresh is no longer possible. Renew the token manually: %v/settings/api-tokens",
		token.RefreshTokenExpiry.Format(time.RFC3339), s.portalURL)
	html := fmt.Sprintf(
		"<p>The refresh token stored for the distributor integration expired at <b>%v</b>. "+
			"Automatic refresh is no longer possible.</p><p><a href=\"%v/settings/api-tokens\">Renew the token manually</a></p>",
		token.RefreshTokenExpiry.Format(time.RFC3339), s.portalURL)

	return s.mailer.Send(s.adminEmail, subject, text, html)
}

// Sweep walks all still-valid credential rows and applies time based state
// transitions: expired access tokens with a live refresh token are
// refreshed (appending a new row), fully expired credentials are flagged
// invalid in place. Safe to re-run, per-row failures never abort the sweep.
func (s *TokenService) Sweep(w http.ResponseWriter, r *http.Request) {
	s.sweepTokens(r.Context())
	utils.WriteSuccess(w)
}

func (s *TokenService) sweepTokens(ctx context.Context) {
	var tokens []schema.ApiToken
	result := s.db.Where("valid = ?", true).Order("refresh_token_expiry DESC").Find(&tokens)
	if result.Error != nil {
		slog.Error("token sweep: sql error loading valid tokens", "error", result.Error)
		return
	}

	now := time.Now().UTC()

	for _, token := range tokens {
		if !token.AccessExpired(now) {
			continue
		}

		if !token.RefreshExpired(now) {
			if _, err := s.refresh(ctx, token.RefreshToken); err != nil {
				slog.Error("token sweep: refresh failed", "token_id", token.Id, "error", err)
				metrics.TokenRefreshes.WithLabelValues("failure").Inc()
				continue
			}
			metrics.TokenRefreshes.WithLabelValues("success").Inc()
			slog.Info("token sweep: refreshed expired access token", "token_id", token.Id)
			continue
		}

		result := s.db.Model(&schema.ApiToken{Id: token.Id}).Update("valid", false)
		if result.Error != nil {
			slog.Error("token sweep: sql error invalidating token", "token_id", token.Id, "error", result.Error)
			continue
		}
		metrics.TokensInvalidated.Inc()
		slog.Info("token sweep: marked token invalid", "token_id", token.Id)
	}
}
