package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "releasehub_token_refreshes_total",
		Help: "Distributor token refresh attempts by outcome",
	}, []string{"outcome"})

	TokensInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "releasehub_tokens_invalidated_total",
		Help: "Credential rows marked invalid by the sweep",
	})

	ReleaseSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "releasehub_release_submissions_total",
		Help: "Release submissions by outcome",
	}, []string{"outcome"})

	UploadGrants = promauto.NewCounter(prometheus.CounterOpts{
		Name: "releasehub_upload_grants_total",
		Help: "Presigned upload grants issued",
	})

	SignupTokensSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "releasehub_signup_tokens_swept_total",
		Help: "Expired sign-up tokens cleared by the sweep",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
