package database

import (
	"strings"

	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/models"
	"github.com/dangson92/licensegate/pkg/crypto"
)

// EnsureRootAdmin creates the administrator account on first start. An
// existing account with the same email is left untouched so password
// changes made through other means survive restarts.
func EnsureRootAdmin(db *gorm.DB, email, name, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}

	admin := models.User{
		Email:    email,
		Name:     strings.TrimSpace(name),
		Password: hash,
		IsAdmin:  true,
	}

	return db.Where(models.User{Email: email}).Attrs(admin).FirstOrCreate(&models.User{}).Error
}
