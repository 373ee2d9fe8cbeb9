package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"releasehub/backend/auth"
	"releasehub/backend/mailer"
	"releasehub/backend/metrics"
	"releasehub/backend/schema"
	"releasehub/utils"
)

const (
	signupTokenLength   = 32
	signupTokenDuration = 24 * time.Hour
	maxTokenAttempts    = 5
)

var (
	ErrTokenGenerationExhausted = errors.New("could not generate a unique sign-up token")
	ErrInvalidOrExpiredToken    = errors.New("sign-up token is invalid or expired")
)

type UserService struct {
	db       *gorm.DB
	userAuth *auth.JwtManager
	mailer   mailer.Mailer

	portalURL  string
	serviceKey string

	// tokenSource generates sign-up tokens; overridable for deterministic
	// collision behavior in tests.
	tokenSource func() (string, error)
}

func defaultTokenSource() (string, error) {
	return generateRandomString(signupTokenLength)
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Get("/login", s.Login)
		r.Get("/validate-token", s.ValidateSignupToken)
		r.Post("/set-password", s.SetPassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.Middleware(s.db)...)

		r.Get("/info", s.Info)
		r.Post("/{user_id}/password", s.ChangePassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.Middleware(s.db)...)
		r.Use(auth.AdminOnly())

		r.Get("/list", s.List)
		r.Get("/{user_id}", s.GetSingle)
		r.Post("/create", s.CreateInvitedUser)
		r.Post("/{user_id}/reinvite", s.Reinvite)
		r.Delete("/{user_id}", s.DeleteUser)

		r.Post("/{user_id}/admin", s.PromoteAdmin)
		r.Delete("/{user_id}/admin", s.DemoteAdmin)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireServiceKey(s.serviceKey))

		r.Post("/token-sweep", s.SweepExpiredSignupTokens)
	})

	return r
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	user, err := schema.GetUserByEmail(email, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			http.Error(w, "login failed: invalid credentials", http.StatusUnauthorized)
			return
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), http.StatusInternalServerError)
		return
	}

	if err := auth.CheckPassword(user.Password, password); err != nil {
		http.Error(w, "login failed: invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.userAuth.CreateUserJwt(user.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("login failed: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: user.Id, AccessToken: token})
}

type UserInfo struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Admin    bool      `json:"admin"`
	Invited  bool      `json:"invited"`
}

func convertToUserInfo(user *schema.User) UserInfo {
	return UserInfo{
		Id:       user.Id,
		Username: user.Username,
		Email:    user.Email,
		Admin:    user.IsAdmin,
		Invited:  user.InviteOutstanding(),
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToUserInfo(&user))
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.Order("username").Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing users: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, convertToUserInfo(&u))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *UserService) GetSingle(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting user: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToUserInfo(&user))
}

// generateSignupToken produces a token whose hash is unique across all
// users, retrying a bounded number of times on collision.
func (s *UserService) generateSignupToken(txn *gorm.DB) (token string, tokenHash string, err error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err = s.tokenSource()
		if err != nil {
			return "", "", CodedError(fmt.Errorf("error generating sign-up token: %w", err), http.StatusInternalServerError)
		}
		tokenHash = hashSecret(token)

		var count int64
		result := txn.Model(&schema.User{}).Where("signup_token_hash = ?", tokenHash).Count(&count)
		if result.Error != nil {
			slog.Error("sql error checking sign-up token uniqueness", "error", result.Error)
			return "", "", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if count == 0 {
			return token, tokenHash, nil
		}

		slog.Info("sign-up token collision, retrying", "attempt", attempt+1)
	}

	return "", "", CodedError(ErrTokenGenerationExhausted, http.StatusInternalServerError)
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type createUserResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

// CreateInvitedUser provisions an account in the invited state: a hashed
// single-use sign-up token with a 24h window, a random temporary password
// so the row is never passwordless, and an invitation email carrying the
// plaintext token in a set-password link.
func (s *UserService) CreateInvitedUser(w http.ResponseWriter, r *http.Request) {
	var params createUserRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Username == "" || params.Email == "" {
		http.Error(w, "username and email must be provided", http.StatusUnprocessableEntity)
		return
	}

	var plainToken string
	newUser := schema.User{Id: uuid.New(), Username: params.Username, Email: params.Email}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		var existing schema.User
		result := txn.Limit(1).Find(&existing, "username = ? or email = ?", params.Username, params.Email)
		if result.Error != nil {
			slog.Error("sql error checking for existing username/email", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			if existing.Username == params.Username {
				return CodedError(errors.New("username is already in use"), http.StatusConflict)
			}
			return CodedError(errors.New("email is already in use"), http.StatusConflict)
		}

		token, tokenHash, err := s.generateSignupToken(txn)
		if err != nil {
			return err
		}
		plainToken = token

		tempPassword, err := generateRandomString(24)
		if err != nil {
			return CodedError(fmt.Errorf("error generating temporary password: %w", err), http.StatusInternalServerError)
		}
		hashedPwd, err := auth.HashPassword(tempPassword)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}

		expiry := time.Now().UTC().Add(signupTokenDuration)
		newUser.Password = hashedPwd
		newUser.SignupTokenHash = &tokenHash
		newUser.SignupTokenExpiry = &expiry

		result = txn.Create(&newUser)
		if result.Error != nil {
			slog.Error("sql error creating invited user", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating user: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("created invited user", "user_id", newUser.Id)

	// The user row is committed at this point. If the invitation cannot
	// be delivered the row is kept and the admin re-invites; rolling back
	// would discard a perfectly valid account over a mail hiccup.
	if err := s.sendInvitation(&newUser, plainToken); err != nil {
		slog.Error("error sending invitation email", "user_id", newUser.Id, "error", err)
		http.Error(w, fmt.Sprintf("user %v was created but the invitation email failed to send, re-invite to retry: %v", newUser.Id, err), http.StatusBadGateway)
		return
	}

	utils.WriteJsonResponse(w, createUserResponse{UserId: newUser.Id})
}

func (s *UserService) sendInvitation(user *schema.User, token string) error {
	link := fmt.Sprintf("%v/set-password?token=%v", s.portalURL, token)
	subject := "You have been invited to the release portal"
	text := fmt.Sprintf(
		"An account was created for %v. Set your password within 24 hours: %v",
		user.Email, link)
	html := fmt.Sprintf(
		"<p>An account was created for <b>%v</b>.</p><p><a href=\"%v\">Set your password</a> within 24 hours.</p>",
		user.Email, link)

	return s.mailer.Send(user.Email, subject, text, html)
}

// Reinvite issues a fresh sign-up token for a user whose invite expired or
// whose invitation email never arrived.
func (s *UserService) Reinvite(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var plainToken string
	var user schema.User

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err = schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		token, tokenHash, err := s.generateSignupToken(txn)
		if err != nil {
			return err
		}
		plainToken = token

		expiry := time.Now().UTC().Add(signupTokenDuration)
		user.SignupTokenHash = &tokenHash
		user.SignupTokenExpiry = &expiry

		result := txn.Save(&user)
		if result.Error != nil {
			slog.Error("sql error updating sign-up token", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error re-inviting user: %v", err), GetResponseCode(err))
		return
	}

	if err := s.sendInvitation(&user, plainToken); err != nil {
		slog.Error("error sending re-invitation email", "user_id", userId, "error", err)
		http.Error(w, fmt.Sprintf("sign-up token was renewed but the invitation email failed to send: %v", err), http.StatusBadGateway)
		return
	}

	utils.WriteSuccess(w)
}

type validateTokenResponse struct {
	Valid bool `json:"valid"`
}

// ValidateSignupToken reports whether a sign-up token is usable. Unknown
// and expired tokens both answer false so callers cannot probe which
// tokens ever existed.
func (s *UserService) ValidateSignupToken(w http.ResponseWriter, r *http.Request) {
	token, err := utils.QueryParam(r, "token")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := s.findUserBySignupToken(token)
	if err != nil {
		http.Error(w, fmt.Sprintf("error validating token: %v", err), http.StatusInternalServerError)
		return
	}

	valid := user != nil && user.SignupTokenExpiry != nil && time.Now().Before(*user.SignupTokenExpiry)
	utils.WriteJsonResponse(w, validateTokenResponse{Valid: valid})
}

func (s *UserService) findUserBySignupToken(token string) (*schema.User, error) {
	tokenHash := hashSecret(token)

	var user schema.User
	result := s.db.First(&user, "signup_token_hash = ?", tokenHash)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("sql error looking up user by sign-up token", "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}

	return &user, nil
}

type setPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// SetPassword consumes a sign-up token: the password is set and the token
// is cleared so it can never be used again.
func (s *UserService) SetPassword(w http.ResponseWriter, r *http.Request) {
	var params setPasswordRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.NewPassword) < 8 {
		http.Error(w, "password must be at least 8 characters", http.StatusUnprocessableEntity)
		return
	}

	user, err := s.findUserBySignupToken(params.Token)
	if err != nil {
		http.Error(w, fmt.Sprintf("error setting password: %v", err), http.StatusInternalServerError)
		return
	}
	if user == nil || user.SignupTokenHash == nil {
		http.Error(w, ErrInvalidOrExpiredToken.Error(), http.StatusUnprocessableEntity)
		return
	}

	// The lookup already matched on the hash; comparing again costs
	// nothing and guards against a lookup path change.
	if hashSecret(params.Token) != *user.SignupTokenHash {
		http.Error(w, ErrInvalidOrExpiredToken.Error(), http.StatusUnprocessableEntity)
		return
	}

	if user.SignupTokenExpiry == nil || time.Now().After(*user.SignupTokenExpiry) {
		http.Error(w, ErrInvalidOrExpiredToken.Error(), http.StatusUnprocessableEntity)
		return
	}

	hashedPwd, err := auth.HashPassword(params.NewPassword)
	if err != nil {
		http.Error(w, fmt.Sprintf("error setting password: %v", err), http.StatusInternalServerError)
		return
	}

	user.Password = hashedPwd
	user.SignupTokenHash = nil
	user.SignupTokenExpiry = nil

	result := s.db.Save(user)
	if result.Error != nil {
		slog.Error("sql error setting password", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error setting password: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	slog.Info("password set via sign-up token", "user_id", user.Id)
	utils.WriteSuccess(w)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *UserService) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caller, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !caller.IsAdmin && caller.Id != userId {
		http.Error(w, fmt.Sprintf("user %v cannot change the password of user %v", caller.Id, userId), http.StatusForbidden)
		return
	}

	var params changePasswordRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.NewPassword) < 8 {
		http.Error(w, "password must be at least 8 characters", http.StatusUnprocessableEntity)
		return
	}

	user, err := schema.GetUser(userId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error changing password: %v", err), http.StatusInternalServerError)
		return
	}

	if err := auth.CheckPassword(user.Password, params.OldPassword); err != nil {
		http.Error(w, "old password does not match", http.StatusUnprocessableEntity)
		return
	}

	hashedPwd, err := auth.HashPassword(params.NewPassword)
	if err != nil {
		http.Error(w, fmt.Sprintf("error changing password: %v", err), http.StatusInternalServerError)
		return
	}

	result := s.db.Model(&schema.User{Id: userId}).Update("password", hashedPwd)
	if result.Error != nil {
		slog.Error("sql error changing password", "user_id", userId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error changing password: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	slog.Info("password changed", "user_id", userId)
	utils.WriteSuccess(w)
}

func (s *UserService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		// Releases outlive their submitter, they are reassigned to another
		// admin on deletion.
		var admin schema.User
		adminResult := txn.Where("is_admin = ? AND id != ?", true, userId).First(&admin)
		if adminResult.Error != nil {
			if errors.Is(adminResult.Error, gorm.ErrRecordNotFound) {
				return CodedError(fmt.Errorf("cannot delete user %v since no other admin exists to take over their releases", userId), http.StatusUnprocessableEntity)
			}
			slog.Error("sql error finding admin to reassign releases to", "user_id", userId, "error", adminResult.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		updateResult := txn.Model(&schema.Release{}).
			Where("user_id = ?", userId).
			Update("user_id", admin.Id)
		if updateResult.Error != nil {
			slog.Error("sql error reassigning releases of deleted user", "user_id", userId, "error", updateResult.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		deleteResult := txn.Delete(&schema.User{Id: userId})
		if deleteResult.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", deleteResult.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	slog.Info("deleted user", "user_id", userId)
	utils.WriteSuccess(w)
}

func (s *UserService) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		user.IsAdmin = true

		result := txn.Save(&user)
		if result.Error != nil {
			slog.Error("sql error promoting user to admin", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error promoting admin: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if !user.IsAdmin {
			return CodedError(errors.New("user is already not an admin"), http.StatusUnprocessableEntity)
		}

		var count int64
		result := txn.Model(&schema.User{}).Where("is_admin = ?", true).Count(&count)
		if result.Error != nil {
			slog.Error("sql error counting existing admins", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if count < 2 {
			return CodedError(fmt.Errorf("cannot demote admin %v since there would be no admins left", userId), http.StatusUnprocessableEntity)
		}

		user.IsAdmin = false

		result = txn.Save(&user)
		if result.Error != nil {
			slog.Error("sql error demoting admin", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error demoting admin: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

// SweepExpiredSignupTokens clears sign-up tokens whose window has lapsed
// and notifies the affected users. Email failures are logged and the sweep
// moves on, the token is cleared either way.
func (s *UserService) SweepExpiredSignupTokens(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.Where("signup_token_hash IS NOT NULL AND signup_token_expiry < ?", time.Now().UTC()).Find(&users)
	if result.Error != nil {
		slog.Error("signup token sweep: sql error loading expired tokens", "error", result.Error)
		http.Error(w, fmt.Sprintf("error sweeping sign-up tokens: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	for _, user := range users {
		subject := "Your sign-up link has expired"
		text := fmt.Sprintf(
			"The sign-up link for %v expired before a password was set. Ask an administrator for a new invitation.",
			user.Email)
		if err := s.mailer.Send(user.Email, subject, text, ""); err != nil {
			slog.Error("signup token sweep: error sending expiry notice", "user_id", user.Id, "error", err)
		}

		updateResult := s.db.Model(&schema.User{Id: user.Id}).
			Updates(map[string]interface{}{"signup_token_hash": nil, "signup_token_expiry": nil})
		if updateResult.Error != nil {
			slog.Error("signup token sweep: sql error clearing token", "user_id", user.Id, "error", updateResult.Error)
			continue
		}

		metrics.SignupTokensSwept.Inc()
		slog.Info("signup token sweep: cleared expired token", "user_id", user.Id)
	}

	utils.WriteSuccess(w)
}
