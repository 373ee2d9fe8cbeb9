package auth

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"releasehub/backend/schema"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

func HashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return nil, fmt.Errorf("error encrypting password: %w", err)
	}
	return hash, nil
}

func CheckPassword(hash []byte, password string) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// EnsureAdmin creates the initial admin account if no user with the given
// email exists yet. Called once at startup.
func EnsureAdmin(db *gorm.DB, username, email, password string) error {
	hashedPwd, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error encrypting admin password: %w", err)
	}

	return db.Transaction(func(txn *gorm.DB) error {
		var existing schema.User
		result := txn.Limit(1).Find(&existing, "email = ?", email)
		if result.Error != nil {
			slog.Error("sql error checking for existing admin", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return nil
		}

		admin := schema.User{
			Id:       uuid.New(),
			Username: username,
			Email:    email,
			Password: hashedPwd,
			IsAdmin:  true,
		}
		result = txn.Create(&admin)
		if result.Error != nil {
			slog.Error("sql error creating initial admin", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})
}
