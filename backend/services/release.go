package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"releasehub/backend/auth"
	"releasehub/backend/distributor"
	"releasehub/backend/metrics"
	"releasehub/backend/schema"
	"releasehub/backend/storage"
	"releasehub/utils"
)

type ReleaseService struct {
	db          *gorm.DB
	userAuth    *auth.JwtManager
	store       storage.ObjectStore
	distributor *distributor.Client

	forwardReleases bool
	storageCreds    distributor.StorageCredentials
}

func (s *ReleaseService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.Middleware(s.db)...)

		r.Get("/list", s.List)
		r.Get("/labels", s.Labels)
		r.Get("/user/{user_id}", s.ListForUser)
		r.Get("/{release_id}", s.GetSingle)
		r.Post("/create", s.Create)
		r.Post("/{release_id}/update", s.Update)
		r.Delete("/{release_id}", s.Delete)
	})

	return r
}

type releaseRequest struct {
	Title          string `json:"title"`
	Artists        string `json:"artists"`
	FeaturedArtist string `json:"featured_artist"`

	ReleaseDate        string `json:"release_date"`
	PreviouslyReleased bool   `json:"previously_released"`
	ExplicitLyrics     bool   `json:"explicit_lyrics"`

	Language       string `json:"language"`
	PrimaryGenre   string `json:"primary_genre"`
	SecondaryGenre string `json:"secondary_genre"`

	Code     string `json:"code"`
	PLine    string `json:"p_line"`
	CLine    string `json:"c_line"`
	Duration string `json:"duration"`

	MasterKey  string `json:"master_key"`
	ArtworkKey string `json:"artwork_key"`

	LabelId   string `json:"label_id"`
	LabelName string `json:"label_name"`
}

const releaseDateFormat = "2006-01-02"

// ISRCs are 12 alphanumeric characters, UPC/EAN codes are 12 or 13 digits.
var (
	isrcPattern = regexp.MustCompile(`^[A-Za-z0-9]{12}$`)
	upcPattern  = regexp.MustCompile(`^[0-9]{12,13}$`)
)

func validateReleaseRequest(params *releaseRequest) (time.Time, error) {
	required := map[string]string{
		"title":         params.Title,
		"artists":       params.Artists,
		"release_date":  params.ReleaseDate,
		"language":      params.Language,
		"primary_genre": params.PrimaryGenre,
		"code":          params.Code,
		"duration":      params.Duration,
		"master_key":    params.MasterKey,
		"artwork_key":   params.ArtworkKey,
		"label_id":      params.LabelId,
	}

	missing := make([]string, 0)
	for field, value := range required {
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return time.Time{}, fmt.Errorf("missing required fields: %v", strings.Join(missing, ", "))
	}

	releaseDate, err := time.Parse(releaseDateFormat, params.ReleaseDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid release_date '%v', expected format %v", params.ReleaseDate, releaseDateFormat)
	}

	if !isrcPattern.MatchString(params.Code) && !upcPattern.MatchString(params.Code) {
		return time.Time{}, fmt.Errorf("code '%v' is neither a valid ISRC nor a valid UPC", params.Code)
	}

	return releaseDate, nil
}

// resolveLabel looks up the label by its distributor assigned id and
// creates it if absent. Concurrent submissions with the same new id can
// race; both agree on the id, the last writer's name wins, and a duplicate
// key conflict from the loser is resolved by re-reading.
func resolveLabel(txn *gorm.DB, labelId, labelName string) (schema.Label, error) {
	label, err := schema.GetLabel(labelId, txn)
	if err == nil {
		return label, nil
	}
	if !errors.Is(err, schema.ErrLabelNotFound) {
		return schema.Label{}, CodedError(err, http.StatusInternalServerError)
	}

	if labelName == "" {
		return schema.Label{}, CodedError(fmt.Errorf("label %v does not exist and no label_name was provided", labelId), http.StatusUnprocessableEntity)
	}

	label = schema.Label{Id: labelId, Name: labelName}
	result := txn.Create(&label)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return schema.GetLabel(labelId, txn)
		}
		slog.Error("sql error creating label", "label_id", labelId, "error", result.Error)
		return schema.Label{}, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	slog.Info("created label", "label_id", labelId, "name", labelName)
	return label, nil
}

type createReleaseResponse struct {
	ReleaseId uuid.UUID `json:"release_id"`

	// Outcome of the best effort distributor forwarding. The release row
	// is persisted regardless; a forwarding failure is reported here and
	// reconciled out of band, never rolled back.
	Distributor string `json:"distributor"`
}

func (s *ReleaseService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params releaseRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	releaseDate, err := validateReleaseRequest(&params)
	if err != nil {
		metrics.ReleaseSubmissions.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	release := schema.Release{
		Id:                 uuid.New(),
		Title:              params.Title,
		Artists:            params.Artists,
		FeaturedArtist:     params.FeaturedArtist,
		ReleaseDate:        releaseDate,
		PreviouslyReleased: params.PreviouslyReleased,
		ExplicitLyrics:     params.ExplicitLyrics,
		Language:           params.Language,
		PrimaryGenre:       params.PrimaryGenre,
		SecondaryGenre:     params.SecondaryGenre,
		Code:               params.Code,
		PLine:              params.PLine,
		CLine:              params.CLine,
		Duration:           params.Duration,
		MasterKey:          params.MasterKey,
		ArtworkKey:         params.ArtworkKey,
		LabelId:            params.LabelId,
		UserId:             user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		label, err := resolveLabel(txn, params.LabelId, params.LabelName)
		if err != nil {
			return err
		}
		release.LabelId = label.Id

		result := txn.Create(&release)
		if result.Error != nil {
			slog.Error("sql error creating release", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		metrics.ReleaseSubmissions.WithLabelValues("failure").Inc()
		http.Error(w, fmt.Sprintf("error creating release: %v", err), GetResponseCode(err))
		return
	}

	metrics.ReleaseSubmissions.WithLabelValues("success").Inc()
	slog.Info("created release", "release_id", release.Id, "user_id", user.Id, "label_id", release.LabelId)

	res := createReleaseResponse{ReleaseId: release.Id, Distributor: "skipped"}
	if s.forwardReleases {
		if err := s.forwardToDistributor(r.Context(), &release); err != nil {
			slog.Error("error forwarding release to distributor", "release_id", release.Id, "error", err)
			res.Distributor = fmt.Sprintf("failed: %v", err)
		} else {
			res.Distributor = "delivered"
		}
	}

	utils.WriteJsonResponse(w, res)
}

// forwardToDistributor serializes the release plus the storage metadata of
// its two uploaded objects and submits the document for ingestion.
// Delivery is at least once: the release is already committed and a
// failure here only surfaces in the response status.
func (s *ReleaseService) forwardToDistributor(ctx context.Context, release *schema.Release) error {
	label, err := schema.GetLabel(release.LabelId, s.db)
	if err != nil {
		return fmt.Errorf("error loading label: %w", err)
	}

	master, err := s.store.Head(ctx, release.MasterKey)
	if err != nil {
		return fmt.Errorf("error reading master audio metadata: %w", err)
	}
	artwork, err := s.store.Head(ctx, release.ArtworkKey)
	if err != nil {
		return fmt.Errorf("error reading artwork metadata: %w", err)
	}

	doc := distributor.ReleaseDocument{
		Title:              release.Title,
		Artists:            release.Artists,
		FeaturedArtist:     release.FeaturedArtist,
		PreviouslyReleased: release.PreviouslyReleased,
		ExplicitLyrics:     release.ExplicitLyrics,
		Language:           release.Language,
		PrimaryGenre:       release.PrimaryGenre,
		SecondaryGenre:     release.SecondaryGenre,
		Code:               release.Code,
		PLine:              release.PLine,
		CLine:              release.CLine,
		Duration:           release.Duration,
		Label:              distributor.LabelRef{Id: label.Id, Name: label.Name},
		Assets: []distributor.Asset{
			{Role: "master", Key: release.MasterKey, ContentType: master.ContentType, Checksum: master.Checksum},
			{Role: "artwork", Key: release.ArtworkKey, ContentType: artwork.ContentType, Checksum: artwork.Checksum},
		},
	}
	doc.SetReleaseDate(release.ReleaseDate)

	encoded, err := doc.Encode()
	if err != nil {
		return err
	}

	token, err := schema.CurrentLiveApiToken(s.db, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("no usable distributor credential: %w", err)
	}

	status, err := s.distributor.IngestScan(ctx, token.AccessToken, s.storageCreds, encoded)
	if err != nil {
		return err
	}

	slog.Info("forwarded release to distributor", "release_id", release.Id, "status", status)
	return nil
}

type ReleaseInfo struct {
	Id                 uuid.UUID `json:"id"`
	Title              string    `json:"title"`
	Artists            string    `json:"artists"`
	FeaturedArtist     string    `json:"featured_artist,omitempty"`
	ReleaseDate        string    `json:"release_date"`
	PreviouslyReleased bool      `json:"previously_released"`
	ExplicitLyrics     bool      `json:"explicit_lyrics"`
	Language           string    `json:"language"`
	PrimaryGenre       string    `json:"primary_genre"`
	SecondaryGenre     string    `json:"secondary_genre,omitempty"`
	Code               string    `json:"code"`
	PLine              string    `json:"p_line,omitempty"`
	CLine              string    `json:"c_line,omitempty"`
	Duration           string    `json:"duration"`
	MasterKey          string    `json:"master_key"`
	ArtworkKey         string    `json:"artwork_key"`
	LabelId            string    `json:"label_id"`
	LabelName          string    `json:"label_name,omitempty"`
	UserId             uuid.UUID `json:"user_id"`
	CreatedAt          time.Time `json:"created_at"`
}

func convertToReleaseInfo(release *schema.Release) ReleaseInfo {
	info := ReleaseInfo{
		Id:                 release.Id,
		Title:              release.Title,
		Artists:            release.Artists,
		FeaturedArtist:     release.FeaturedArtist,
		ReleaseDate:        release.ReleaseDate.Format(releaseDateFormat),
		PreviouslyReleased: release.PreviouslyReleased,
		ExplicitLyrics:     release.ExplicitLyrics,
		Language:           release.Language,
		PrimaryGenre:       release.PrimaryGenre,
		SecondaryGenre:     release.SecondaryGenre,
		Code:               release.Code,
		PLine:              release.PLine,
		CLine:              release.CLine,
		Duration:           release.Duration,
		MasterKey:          release.MasterKey,
		ArtworkKey:         release.ArtworkKey,
		LabelId:            release.LabelId,
		UserId:             release.UserId,
		CreatedAt:          release.CreatedAt,
	}
	if release.Label != nil {
		info.LabelName = release.Label.Name
	}
	return info
}

func (s *ReleaseService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Preload("Label").Order("created_at DESC")
	if !user.IsAdmin {
		query = query.Where("user_id = ?", user.Id)
	}

	var releases []schema.Release
	result := query.Find(&releases)
	if result.Error != nil {
		slog.Error("sql error listing releases", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing releases: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ReleaseInfo, 0, len(releases))
	for _, release := range releases {
		infos = append(infos, convertToReleaseInfo(&release))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *ReleaseService) ListForUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !user.IsAdmin && user.Id != userId {
		http.Error(w, fmt.Sprintf("user %v cannot list releases of user %v", user.Id, userId), http.StatusForbidden)
		return
	}

	var releases []schema.Release
	result := s.db.Preload("Label").Where("user_id = ?", userId).Order("created_at DESC").Find(&releases)
	if result.Error != nil {
		slog.Error("sql error listing releases for user", "user_id", userId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing releases: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ReleaseInfo, 0, len(releases))
	for _, release := range releases {
		infos = append(infos, convertToReleaseInfo(&release))
	}
	utils.WriteJsonResponse(w, infos)
}

// loadAuthorized loads a release and checks that the caller is its owner
// or an admin.
func (s *ReleaseService) loadAuthorized(r *http.Request) (schema.Release, error) {
	releaseId, err := utils.URLParamUUID(r, "release_id")
	if err != nil {
		return schema.Release{}, CodedError(err, http.StatusBadRequest)
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.Release{}, CodedError(err, http.StatusInternalServerError)
	}

	release, err := schema.GetRelease(releaseId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrReleaseNotFound) {
			return schema.Release{}, CodedError(err, http.StatusNotFound)
		}
		return schema.Release{}, CodedError(err, http.StatusInternalServerError)
	}

	if !user.IsAdmin && release.UserId != user.Id {
		return schema.Release{}, CodedError(fmt.Errorf("user %v does not have access to release %v", user.Id, releaseId), http.StatusForbidden)
	}

	return release, nil
}

func (s *ReleaseService) GetSingle(w http.ResponseWriter, r *http.Request) {
	release, err := s.loadAuthorized(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting release: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, convertToReleaseInfo(&release))
}

func (s *ReleaseService) Update(w http.ResponseWriter, r *http.Request) {
	release, err := s.loadAuthorized(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating release: %v", err), GetResponseCode(err))
		return
	}

	var params releaseRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	releaseDate, err := validateReleaseRequest(&params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		label, err := resolveLabel(txn, params.LabelId, params.LabelName)
		if err != nil {
			return err
		}

		release.Title = params.Title
		release.Artists = params.Artists
		release.FeaturedArtist = params.FeaturedArtist
		release.ReleaseDate = releaseDate
		release.PreviouslyReleased = params.PreviouslyReleased
		release.ExplicitLyrics = params.ExplicitLyrics
		release.Language = params.Language
		release.PrimaryGenre = params.PrimaryGenre
		release.SecondaryGenre = params.SecondaryGenre
		release.Code = params.Code
		release.PLine = params.PLine
		release.CLine = params.CLine
		release.Duration = params.Duration
		release.MasterKey = params.MasterKey
		release.ArtworkKey = params.ArtworkKey
		release.LabelId = label.Id
		release.Label = nil

		result := txn.Save(&release)
		if result.Error != nil {
			slog.Error("sql error updating release", "release_id", release.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating release: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("updated release", "release_id", release.Id)
	utils.WriteSuccess(w)
}

func (s *ReleaseService) Delete(w http.ResponseWriter, r *http.Request) {
	release, err := s.loadAuthorized(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting release: %v", err), GetResponseCode(err))
		return
	}

	result := s.db.Delete(&schema.Release{Id: release.Id})
	if result.Error != nil {
		slog.Error("sql error deleting release", "release_id", release.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error deleting release: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	slog.Info("deleted release", "release_id", release.Id)
	utils.WriteSuccess(w)
}

// Labels proxies the distributor's label listing using the current access
// credential.
func (s *ReleaseService) Labels(w http.ResponseWriter, r *http.Request) {
	token, err := schema.CurrentLiveApiToken(s.db, time.Now().UTC())
	if err != nil {
		if errors.Is(err, schema.ErrTokenNotFound) {
			http.Error(w, "no distributor credential available", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, fmt.Sprintf("error loading distributor credential: %v", err), http.StatusInternalServerError)
		return
	}

	labels, err := s.distributor.Labels(r.Context(), token.AccessToken)
	if err != nil {
		var statusErr *distributor.StatusError
		if errors.As(err, &statusErr) {
			http.Error(w, fmt.Sprintf("error listing labels: %v", err), statusErr.Code)
			return
		}
		slog.Error("error listing distributor labels", "error", err)
		http.Error(w, "error listing labels", http.StatusBadGateway)
		return
	}

	utils.WriteJsonResponse(w, labels)
}
