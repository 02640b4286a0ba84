package licensing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/models"
)

const maxKeyAttempts = 5

// GenerateKey produces a random version 4 UUID license key in the canonical
// 8-4-4-4-12 layout, backed by a cryptographically strong random source.
func GenerateKey() string {
	return uuid.NewString()
}

// KeyGenerator produces license keys and re-checks them for uniqueness
// against the license table before they are handed out. A collision is
// astronomically unlikely; the retry loop exists so an insert never has to
// care.
type KeyGenerator struct {
	db *gorm.DB
}

// NewKeyGenerator constructs a KeyGenerator.
func NewKeyGenerator(db *gorm.DB) (*KeyGenerator, error) {
	if db == nil {
		return nil, errors.New("key generator: db is required")
	}
	return &KeyGenerator{db: db}, nil
}

// Generate returns a license key that does not yet exist in the store.
func (g *KeyGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key := GenerateKey()

		var count int64
		if err := g.db.WithContext(ctx).
			Model(&models.License{}).
			Where("key = ?", key).
			Count(&count).Error; err != nil {
			return "", fmt.Errorf("key generator: uniqueness check: %w", err)
		}

		if count == 0 {
			return key, nil
		}
	}

	return "", fmt.Errorf("key generator: no unique key after %d attempts", maxKeyAttempts)
}
