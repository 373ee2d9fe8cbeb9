package services

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"releasehub/backend/auth"
	"releasehub/backend/distributor"
	"releasehub/backend/mailer"
	"releasehub/backend/metrics"
	"releasehub/backend/storage"
	"releasehub/utils"
)

// Variables holds the deploy time configuration shared across services.
type Variables struct {
	AdminEmail           string
	PortalURL            string
	FallbackRefreshToken string
	ServiceKey           string

	ForwardReleases    bool
	StorageCredentials distributor.StorageCredentials

	// SignupTokenSource overrides sign-up token generation, nil uses a
	// crypto/rand source.
	SignupTokenSource func() (string, error)
}

type Backend struct {
	userService    UserService
	tokenService   TokenService
	uploadService  UploadService
	releaseService ReleaseService

	stopSweep chan bool
}

func NewBackend(db *gorm.DB, store storage.ObjectStore, dist *distributor.Client, mail mailer.Mailer, vars Variables, jwtSecret []byte) *Backend {
	userAuth := auth.NewJwtManager(jwtSecret)

	tokenSource := vars.SignupTokenSource
	if tokenSource == nil {
		tokenSource = defaultTokenSource
	}

	return &Backend{
		userService: UserService{
			db:          db,
			userAuth:    userAuth,
			mailer:      mail,
			portalURL:   vars.PortalURL,
			serviceKey:  vars.ServiceKey,
			tokenSource: tokenSource,
		},
		tokenService: TokenService{
			db:                   db,
			userAuth:             userAuth,
			distributor:          dist,
			mailer:               mail,
			adminEmail:           vars.AdminEmail,
			portalURL:            vars.PortalURL,
			fallbackRefreshToken: vars.FallbackRefreshToken,
			serviceKey:           vars.ServiceKey,
		},
		uploadService: UploadService{
			db:       db,
			userAuth: userAuth,
			store:    store,
		},
		releaseService: ReleaseService{
			db:              db,
			userAuth:        userAuth,
			store:           store,
			distributor:     dist,
			forwardReleases: vars.ForwardReleases,
			storageCreds:    vars.StorageCredentials,
		},
		stopSweep: make(chan bool),
	}
}

func (b *Backend) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Mount("/user", b.userService.Routes())
	r.Mount("/api-token", b.tokenService.Routes())
	r.Mount("/upload", b.uploadService.Routes())
	r.Mount("/release", b.releaseService.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}

// TokenSweepLoop runs the credential sweep on a fixed interval until
// StopTokenSweepLoop is called. Intended to run in its own goroutine.
func (b *Backend) TokenSweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.tokenService.sweepTokens(context.Background())
		case <-b.stopSweep:
			slog.Info("stopping token sweep loop")
			return
		}
	}
}

func (b *Backend) StopTokenSweepLoop() {
	b.stopSweep <- true
}
