package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/licensing"
	"github.com/dangson92/licensegate/internal/models"
	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

// IssueLicenseInput defines the attributes required to issue a license.
type IssueLicenseInput struct {
	AppID      string
	OwnerEmail string
	OwnerName  string
	MaxDevices int
	ExpiresAt  *time.Time
}

// LicenseDTO is the admin-facing license payload, including the live device count.
type LicenseDTO struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	AppID         string     `json:"app_id"`
	AppCode       string     `json:"app_code,omitempty"`
	OwnerEmail    string     `json:"owner_email,omitempty"`
	OwnerName     string     `json:"owner_name,omitempty"`
	MaxDevices    int        `json:"max_devices"`
	ActiveDevices int64      `json:"active_devices"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ListLicensesInput defines filters for the admin license listing.
type ListLicensesInput struct {
	AppID  string
	Limit  int
	Offset int
}

// LicenseService implements the administrator license operations. It writes
// the same rows the activation path guards, so status changes take effect on
// the very next client call.
type LicenseService struct {
	db     *gorm.DB
	keygen *licensing.KeyGenerator
	now    func() time.Time
}

// NewLicenseService constructs a LicenseService.
func NewLicenseService(db *gorm.DB) (*LicenseService, error) {
	if db == nil {
		return nil, errors.New("license service: db is required")
	}

	keygen, err := licensing.NewKeyGenerator(db)
	if err != nil {
		return nil, err
	}

	return &LicenseService{db: db, keygen: keygen, now: time.Now}, nil
}

// Issue creates a license for an application owner. The owner user row is
// created on first use; ownership is a foreign key, not an account.
func (s *LicenseService) Issue(ctx context.Context, input IssueLicenseInput) (*LicenseDTO, error) {
	ctx = ensureContext(ctx)

	email := strings.ToLower(strings.TrimSpace(input.OwnerEmail))
	if email == "" {
		return nil, apperrors.NewBadRequest("owner email is required")
	}
	if input.MaxDevices <= 0 {
		return nil, apperrors.NewBadRequest("max_devices must be positive")
	}

	var app models.App
	if err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(input.AppID)).First(&app).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAppNotFound
		}
		return nil, fmt.Errorf("license service: resolve app: %w", err)
	}

	owner := models.User{Email: email, Name: strings.TrimSpace(input.OwnerName)}
	if err := s.db.WithContext(ctx).Where(models.User{Email: email}).Attrs(owner).FirstOrCreate(&owner).Error; err != nil {
		return nil, fmt.Errorf("license service: ensure owner: %w", err)
	}

	key, err := s.keygen.Generate(ctx)
	if err != nil {
		return nil, err
	}

	license := models.License{
		Key:        key,
		AppID:      app.ID,
		UserID:     owner.ID,
		MaxDevices: input.MaxDevices,
		ExpiresAt:  input.ExpiresAt,
		Status:     models.LicenseStatusActive,
	}
	if err := s.db.WithContext(ctx).Create(&license).Error; err != nil {
		return nil, fmt.Errorf("license service: create license: %w", err)
	}

	license.App = &app
	license.User = &owner
	dto := s.mapLicense(license, 0)
	return &dto, nil
}

// List returns one page of licenses ordered by recency, with live device
// counts, plus the total number of rows matching the filter.
func (s *LicenseService) List(ctx context.Context, input ListLicensesInput) ([]LicenseDTO, int64, error) {
	ctx = ensureContext(ctx)

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	filter := func(db *gorm.DB) *gorm.DB {
		if appID := strings.TrimSpace(input.AppID); appID != "" {
			db = db.Where("app_id = ?", appID)
		}
		return db
	}

	var total int64
	if err := filter(s.db.WithContext(ctx).Model(&models.License{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("license service: count licenses: %w", err)
	}

	query := filter(s.db.WithContext(ctx).Preload("App").Preload("User").Order("created_at DESC"))

	var rows []models.License
	if err := query.Limit(limit).Offset(maxInt(0, input.Offset)).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("license service: list licenses: %w", err)
	}

	items := make([]LicenseDTO, 0, len(rows))
	for _, row := range rows {
		count, err := s.activeDevices(ctx, row.ID)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s.mapLicense(row, count))
	}
	return items, total, nil
}

// Get loads a single license by id.
func (s *LicenseService) Get(ctx context.Context, id string) (*LicenseDTO, error) {
	ctx = ensureContext(ctx)

	license, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	count, err := s.activeDevices(ctx, license.ID)
	if err != nil {
		return nil, err
	}

	dto := s.mapLicense(*license, count)
	return &dto, nil
}

// Revoke marks a license revoked. The transition is terminal: no activation
// or check-in succeeds for this license again.
func (s *LicenseService) Revoke(ctx context.Context, id string) (*LicenseDTO, error) {
	ctx = ensureContext(ctx)

	license, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if license.Status != models.LicenseStatusRevoked {
		if err := s.db.WithContext(ctx).Model(license).
			Update("status", models.LicenseStatusRevoked).Error; err != nil {
			return nil, fmt.Errorf("license service: revoke license: %w", err)
		}
		license.Status = models.LicenseStatusRevoked
	}

	count, err := s.activeDevices(ctx, license.ID)
	if err != nil {
		return nil, err
	}

	dto := s.mapLicense(*license, count)
	return &dto, nil
}

// Extend moves the license expiry. A nil value removes the bound entirely.
func (s *LicenseService) Extend(ctx context.Context, id string, expiresAt *time.Time) (*LicenseDTO, error) {
	ctx = ensureContext(ctx)

	license, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if license.Status == models.LicenseStatusRevoked {
		return nil, apperrors.ErrLicenseInactive
	}

	if err := s.db.WithContext(ctx).Model(license).
		Update("expires_at", expiresAt).Error; err != nil {
		return nil, fmt.Errorf("license service: extend license: %w", err)
	}
	license.ExpiresAt = expiresAt

	count, err := s.activeDevices(ctx, license.ID)
	if err != nil {
		return nil, err
	}

	dto := s.mapLicense(*license, count)
	return &dto, nil
}

// Delete hard-deletes a license and cascades its activations, invalidating
// every outstanding token for its devices on their next check-in.
func (s *LicenseService) Delete(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var license models.License
		if err := tx.Where("id = ?", strings.TrimSpace(id)).First(&license).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrLicenseNotFound
			}
			return fmt.Errorf("license service: load license: %w", err)
		}

		if err := tx.Where("license_id = ?", license.ID).Delete(&models.Activation{}).Error; err != nil {
			return fmt.Errorf("license service: delete activations: %w", err)
		}
		if err := tx.Delete(&license).Error; err != nil {
			return fmt.Errorf("license service: delete license: %w", err)
		}
		return nil
	})
}

// ActivationDTO is the admin-facing device binding payload.
type ActivationDTO struct {
	ID               string    `json:"id"`
	LicenseID        string    `json:"license_id"`
	DeviceHash       string    `json:"device_hash"`
	AppVersion       string    `json:"app_version,omitempty"`
	FirstActivatedAt time.Time `json:"first_activated_at"`
	LastCheckinAt    time.Time `json:"last_checkin_at"`
	Status           string    `json:"status"`
}

// ListActivations returns the device bindings for a license.
func (s *LicenseService) ListActivations(ctx context.Context, licenseID string) ([]ActivationDTO, error) {
	ctx = ensureContext(ctx)

	if _, err := s.load(ctx, licenseID); err != nil {
		return nil, err
	}

	var rows []models.Activation
	if err := s.db.WithContext(ctx).
		Where("license_id = ?", strings.TrimSpace(licenseID)).
		Order("first_activated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("license service: list activations: %w", err)
	}

	items := make([]ActivationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, ActivationDTO{
			ID:               row.ID,
			LicenseID:        row.LicenseID,
			DeviceHash:       row.DeviceHash,
			AppVersion:       row.AppVersion,
			FirstActivatedAt: row.FirstActivatedAt,
			LastCheckinAt:    row.LastCheckinAt,
			Status:           row.Status,
		})
	}
	return items, nil
}

// RemoveActivation hard-deletes one device binding, freeing its slot. The
// device's next check-in reports device_removed and it must re-activate.
func (s *LicenseService) RemoveActivation(ctx context.Context, licenseID, activationID string) error {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Where("id = ? AND license_id = ?", strings.TrimSpace(activationID), strings.TrimSpace(licenseID)).
		Delete(&models.Activation{})
	if result.Error != nil {
		return fmt.Errorf("license service: remove activation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *LicenseService) load(ctx context.Context, id string) (*models.License, error) {
	var license models.License
	if err := s.db.WithContext(ctx).
		Preload("App").
		Preload("User").
		Where("id = ?", strings.TrimSpace(id)).
		First(&license).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("license service: load license: %w", err)
	}
	return &license, nil
}

func (s *LicenseService) activeDevices(ctx context.Context, licenseID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Activation{}).
		Where("license_id = ? AND status = ?", licenseID, models.ActivationStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("license service: count devices: %w", err)
	}
	return count, nil
}

func (s *LicenseService) mapLicense(row models.License, activeDevices int64) LicenseDTO {
	dto := LicenseDTO{
		ID:            row.ID,
		Key:           row.Key,
		AppID:         row.AppID,
		MaxDevices:    row.MaxDevices,
		ActiveDevices: activeDevices,
		ExpiresAt:     row.ExpiresAt,
		Status:        row.EffectiveStatus(s.now().UTC()),
		CreatedAt:     row.CreatedAt,
	}
	if row.App != nil {
		dto.AppCode = row.App.Code
	}
	if row.User != nil {
		dto.OwnerEmail = row.User.Email
		dto.OwnerName = row.User.Name
	}
	return dto
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
