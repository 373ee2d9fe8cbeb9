package schema

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrReleaseNotFound = errors.New("release not found")
	ErrLabelNotFound   = errors.New("label not found")
	ErrTokenNotFound   = errors.New("api token not found")
	ErrDbAccessFailed  = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserByEmail(email string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by email", "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetRelease(releaseId uuid.UUID, db *gorm.DB, loadLabel bool) (Release, error) {
	var release Release

	var result *gorm.DB = db
	if loadLabel {
		result = result.Preload("Label")
	}
	result = result.First(&release, "id = ?", releaseId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return release, ErrReleaseNotFound
		}
		slog.Error("sql error in get release", "release_id", releaseId, "error", result.Error)
		return release, ErrDbAccessFailed
	}

	return release, nil
}

func GetLabel(labelId string, db *gorm.DB) (Label, error) {
	var label Label

	result := db.First(&label, "id = ?", labelId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return label, ErrLabelNotFound
		}
		slog.Error("sql error in get label", "label_id", labelId, "error", result.Error)
		return label, ErrDbAccessFailed
	}

	return label, nil
}

func GetApiToken(tokenId uuid.UUID, db *gorm.DB) (ApiToken, error) {
	var token ApiToken

	result := db.First(&token, "id = ?", tokenId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return token, ErrTokenNotFound
		}
		slog.Error("sql error in get api token", "token_id", tokenId, "error", result.Error)
		return token, ErrDbAccessFailed
	}

	return token, nil
}

// CurrentApiToken returns the most recently created credential row. "Most
// recent by creation time wins" is the documented policy for which token is
// current, so the ordering here is load bearing and must stay explicit.
func CurrentApiToken(db *gorm.DB) (ApiToken, error) {
	var token ApiToken

	result := db.Order("created_at DESC").First(&token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return token, ErrTokenNotFound
		}
		slog.Error("sql error in get current api token", "error", result.Error)
		return token, ErrDbAccessFailed
	}

	return token, nil
}

// CurrentLiveApiToken is the not-expired variant of CurrentApiToken, used on
// paths that are about to call the distributor where an expired access token
// is a guaranteed upstream 401.
func CurrentLiveApiToken(db *gorm.DB, now time.Time) (ApiToken, error) {
	var token ApiToken

	result := db.Where("access_token_expiry > ?", now).Order("created_at DESC").First(&token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return token, ErrTokenNotFound
		}
		slog.Error("sql error in get current live api token", "error", result.Error)
		return token, ErrDbAccessFailed
	}

	return token, nil
}
