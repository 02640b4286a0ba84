package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/models"
	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

// CreateAppInput defines the attributes required to register an application.
type CreateAppInput struct {
	Code string
	Name string
}

// AppService manages the application registry.
type AppService struct {
	db *gorm.DB
}

// NewAppService constructs an AppService.
func NewAppService(db *gorm.DB) (*AppService, error) {
	if db == nil {
		return nil, errors.New("app service: db is required")
	}
	return &AppService{db: db}, nil
}

// Create registers an application under a unique code.
func (s *AppService) Create(ctx context.Context, input CreateAppInput) (*models.App, error) {
	ctx = ensureContext(ctx)

	code := strings.ToLower(strings.TrimSpace(input.Code))
	name := strings.TrimSpace(input.Name)
	if code == "" || name == "" {
		return nil, apperrors.NewBadRequest("code and name are required")
	}

	app := models.App{Code: code, Name: name}
	if err := s.db.WithContext(ctx).Create(&app).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.New("app_code_taken", "An application with this code already exists", http.StatusConflict)
		}
		return nil, fmt.Errorf("app service: create app: %w", err)
	}

	return &app, nil
}

// List returns all registered applications.
func (s *AppService) List(ctx context.Context) ([]models.App, error) {
	ctx = ensureContext(ctx)

	var apps []models.App
	if err := s.db.WithContext(ctx).Order("code ASC").Find(&apps).Error; err != nil {
		return nil, fmt.Errorf("app service: list apps: %w", err)
	}
	return apps, nil
}

// GetByCode resolves an application by its stable external code.
func (s *AppService) GetByCode(ctx context.Context, code string) (*models.App, error) {
	ctx = ensureContext(ctx)

	var app models.App
	if err := s.db.WithContext(ctx).
		Where("code = ?", strings.ToLower(strings.TrimSpace(code))).
		First(&app).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAppNotFound
		}
		return nil, fmt.Errorf("app service: load app: %w", err)
	}
	return &app, nil
}
