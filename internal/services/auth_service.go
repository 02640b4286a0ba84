package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/auth"
	"github.com/dangson92/licensegate/internal/models"
	"github.com/dangson92/licensegate/pkg/crypto"
	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

// LoginResult carries the admin session token issued on successful login.
type LoginResult struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// AuthService authenticates administrators against locally stored credentials.
type AuthService struct {
	db  *gorm.DB
	jwt *auth.JWTService
}

// NewAuthService constructs an AuthService.
func NewAuthService(db *gorm.DB, jwt *auth.JWTService) (*AuthService, error) {
	if db == nil {
		return nil, errors.New("auth service: db is required")
	}
	if jwt == nil {
		return nil, errors.New("auth service: jwt service is required")
	}
	return &AuthService{db: db, jwt: jwt}, nil
}

// Login verifies credentials and issues an admin access token.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	ctx = ensureContext(ctx)

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperrors.ErrInvalidCredentials
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth service: load user: %w", err)
	}

	if user.Password == "" || !user.IsAdmin {
		return nil, apperrors.ErrInvalidCredentials
	}

	if !crypto.VerifyPassword(user.Password, password) {
		return nil, apperrors.ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateAccessToken(auth.AccessTokenInput{
		UserID:  user.ID,
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("auth service: issue token: %w", err)
	}

	return &LoginResult{Token: token, User: &user}, nil
}

// GetUser loads a user by id for the authenticated /me endpoint.
func (s *AuthService) GetUser(ctx context.Context, id string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("auth service: load user: %w", err)
	}
	return &user, nil
}
