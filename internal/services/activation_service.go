package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/licensing"
	"github.com/dangson92/licensegate/internal/models"
	"github.com/dangson92/licensegate/internal/token"
	apperrors "github.com/dangson92/licensegate/pkg/errors"
	"github.com/dangson92/licensegate/pkg/logger"
	"github.com/dangson92/licensegate/pkg/metrics"
)

// Check-in outcome statuses. These are part of the client wire contract.
const (
	CheckInStatusActive          = "active"
	CheckInStatusInvalidToken    = "invalid_token"
	CheckInStatusAppCodeMismatch = "app_code_mismatch"
	CheckInStatusDeviceMismatch  = "device_mismatch"
	CheckInStatusDeviceRemoved   = "device_removed"
	CheckInStatusDeviceInactive  = "device_inactive"
	CheckInStatusLicenseInactive = "license_inactive"
	CheckInStatusLicenseExpired  = "license_expired"
)

// ActivateInput carries the client activation request.
type ActivateInput struct {
	LicenseKey        string
	AppCode           string
	DeviceFingerprint string
	AppVersion        string
}

// CheckInInput carries the periodic client check-in request.
type CheckInInput struct {
	Token             string
	AppCode           string
	DeviceFingerprint string
	AppVersion        string
}

// LicenseInfo is the license snapshot returned to clients for display.
type LicenseInfo struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	AppCode    string     `json:"app_code"`
	Status     string     `json:"status"`
	MaxDevices int        `json:"max_devices"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ActivationResult is returned on successful admission.
type ActivationResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	License   LicenseInfo `json:"license"`
}

// CheckInResult reports the outcome of a check-in. Every negative outcome is
// a normal structured result, never an error.
type CheckInResult struct {
	Active    bool       `json:"active"`
	Status    string     `json:"status"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ActivationService implements device admission and periodic check-in. All
// mutation of License and Activation rows on the client path goes through
// this service.
type ActivationService struct {
	db     *gorm.DB
	tokens *token.Service
	hasher *licensing.Hasher
	now    func() time.Time
	log    *zap.Logger

	// admission serialises the count-then-insert step per license so the
	// device ceiling holds under concurrent first activations. Striped by
	// license id hash, so the set stays bounded however many licenses pass
	// through the process.
	admission [admissionStripes]sync.Mutex
}

const admissionStripes = 128

// NewActivationService constructs an ActivationService.
func NewActivationService(db *gorm.DB, tokens *token.Service, hasher *licensing.Hasher) (*ActivationService, error) {
	if db == nil {
		return nil, errors.New("activation service: db is required")
	}
	if tokens == nil {
		return nil, errors.New("activation service: token service is required")
	}
	if hasher == nil {
		return nil, errors.New("activation service: fingerprint hasher is required")
	}

	return &ActivationService{
		db:     db,
		tokens: tokens,
		hasher: hasher,
		now:    time.Now,
		log:    logger.WithModule("activation"),
	}, nil
}

// WithClock overrides the service clock, primarily for tests.
func (s *ActivationService) WithClock(now func() time.Time) *ActivationService {
	if now != nil {
		s.now = now
	}
	return s
}

// Activate admits a device onto a license, or refreshes an existing binding.
// Re-activation by a device with an active binding is idempotent and never
// counts against the device ceiling. A device parked for inactivity gave its
// slot up and re-admits only while a slot is free.
func (s *ActivationService) Activate(ctx context.Context, input ActivateInput) (*ActivationResult, error) {
	ctx = ensureContext(ctx)

	licenseKey := strings.TrimSpace(input.LicenseKey)
	appCode := strings.TrimSpace(input.AppCode)
	fingerprint := strings.TrimSpace(input.DeviceFingerprint)
	if licenseKey == "" || appCode == "" || fingerprint == "" {
		metrics.Activations.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrInvalidInput
	}

	deviceHash := s.hasher.Hash(fingerprint)

	var app models.App
	if err := s.db.WithContext(ctx).Where("code = ?", appCode).First(&app).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.Activations.WithLabelValues("rejected").Inc()
			return nil, apperrors.ErrAppNotFound
		}
		return nil, fmt.Errorf("activation service: resolve app: %w", err)
	}

	// A key only works against the app it was issued for.
	var license models.License
	if err := s.db.WithContext(ctx).
		Preload("User").
		Where("key = ? AND app_id = ?", licenseKey, app.ID).
		First(&license).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.Activations.WithLabelValues("rejected").Inc()
			return nil, apperrors.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("activation service: resolve license: %w", err)
	}

	if err := s.gateLicense(&license); err != nil {
		metrics.Activations.WithLabelValues("rejected").Inc()
		return nil, err
	}

	unlock := s.lockLicense(license.ID)
	defer unlock()

	var readmitted bool
	var current models.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read under lock: an admin revoke racing with this request must win.
		if err := lockForUpdate(tx).Where("id = ?", license.ID).First(&current).Error; err != nil {
			return fmt.Errorf("activation service: lock license: %w", err)
		}
		// Owner identity never changes on this path; carry it from the first read.
		current.User = license.User
		if err := s.gateLicense(&current); err != nil {
			return err
		}

		now := s.now().UTC()

		// Lookup before count: an active binding re-activates without touching
		// the ceiling. A parked binding gave its slot up and has to win one
		// back like a new device.
		var existing models.Activation
		err := tx.Where("license_id = ? AND device_hash = ?", current.ID, deviceHash).First(&existing).Error
		switch {
		case err == nil:
			if existing.Status != models.ActivationStatusActive {
				active, err := activeDeviceCount(tx, current.ID)
				if err != nil {
					return err
				}
				if active >= int64(current.MaxDevices) {
					return apperrors.ErrMaxDevicesReached
				}
			}
			readmitted = true
			return tx.Model(&existing).Updates(map[string]any{
				"last_checkin_at": now,
				"app_version":     strings.TrimSpace(input.AppVersion),
				"status":          models.ActivationStatusActive,
			}).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("activation service: lookup activation: %w", err)
		}

		active, err := activeDeviceCount(tx, current.ID)
		if err != nil {
			return err
		}
		if active >= int64(current.MaxDevices) {
			return apperrors.ErrMaxDevicesReached
		}

		activation := models.Activation{
			LicenseID:        current.ID,
			DeviceHash:       deviceHash,
			AppVersion:       strings.TrimSpace(input.AppVersion),
			FirstActivatedAt: now,
			LastCheckinAt:    now,
			Status:           models.ActivationStatusActive,
		}
		if err := tx.Create(&activation).Error; err != nil {
			// The same device raced itself through two requests; fold the
			// loser onto the existing row.
			if isUniqueConstraintError(err) {
				readmitted = true
				return tx.Model(&models.Activation{}).
					Where("license_id = ? AND device_hash = ?", current.ID, deviceHash).
					Updates(map[string]any{
						"last_checkin_at": now,
						"app_version":     strings.TrimSpace(input.AppVersion),
						"status":          models.ActivationStatusActive,
					}).Error
			}
			return fmt.Errorf("activation service: create activation: %w", err)
		}
		return nil
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			if appErr == apperrors.ErrMaxDevicesReached {
				metrics.Activations.WithLabelValues("max_devices_reached").Inc()
				s.log.Info("admission denied",
					zap.String("license_id", license.ID),
					zap.String("device", licensing.HashPrefix(deviceHash)),
				)
			} else {
				metrics.Activations.WithLabelValues("rejected").Inc()
			}
			return nil, err
		}
		metrics.Activations.WithLabelValues("error").Inc()
		return nil, err
	}

	// Claims come from the row read under lock, so a concurrent admin edit to
	// max_devices or expires_at never leaks a stale snapshot into the token.
	result, err := s.issueToken(&current, appCode, deviceHash, strings.TrimSpace(input.AppVersion))
	if err != nil {
		metrics.Activations.WithLabelValues("error").Inc()
		return nil, err
	}

	if readmitted {
		metrics.Activations.WithLabelValues("readmitted").Inc()
	} else {
		metrics.Activations.WithLabelValues("admitted").Inc()
	}
	metrics.TokensIssued.WithLabelValues("activate").Inc()

	s.log.Info("device activated",
		zap.String("license_id", license.ID),
		zap.String("app_code", appCode),
		zap.String("device", licensing.HashPrefix(deviceHash)),
		zap.Bool("readmitted", readmitted),
	)

	return result, nil
}

// CheckIn re-validates an existing binding and refreshes its token. The
// ceiling is not re-checked and no new Activation row is ever created here.
func (s *ActivationService) CheckIn(ctx context.Context, input CheckInInput) (*CheckInResult, error) {
	ctx = ensureContext(ctx)

	claims, err := s.tokens.Verify(strings.TrimSpace(input.Token))
	if err != nil {
		if errors.Is(err, token.ErrExpired) || errors.Is(err, token.ErrInvalidSignature) {
			return s.checkInRejected(CheckInStatusInvalidToken), nil
		}
		return nil, fmt.Errorf("activation service: verify token: %w", err)
	}

	if strings.TrimSpace(input.AppCode) != claims.AppCode {
		return s.checkInRejected(CheckInStatusAppCodeMismatch), nil
	}

	deviceHash := s.hasher.Hash(strings.TrimSpace(input.DeviceFingerprint))
	if deviceHash != claims.DeviceHash {
		return s.checkInRejected(CheckInStatusDeviceMismatch), nil
	}

	var activation models.Activation
	if err := s.db.WithContext(ctx).
		Where("license_id = ? AND device_hash = ?", claims.LicenseID, deviceHash).
		First(&activation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.checkInRejected(CheckInStatusDeviceRemoved), nil
		}
		return nil, fmt.Errorf("activation service: load activation: %w", err)
	}
	if activation.Status != models.ActivationStatusActive {
		return s.checkInRejected(CheckInStatusDeviceInactive), nil
	}

	// License state is always read fresh; tokens carry only a snapshot.
	var license models.License
	if err := s.db.WithContext(ctx).
		Preload("User").
		Where("id = ?", claims.LicenseID).
		First(&license).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.checkInRejected(CheckInStatusLicenseInactive), nil
		}
		return nil, fmt.Errorf("activation service: load license: %w", err)
	}

	switch license.EffectiveStatus(s.now().UTC()) {
	case models.LicenseStatusActive:
	case models.LicenseStatusExpired:
		return s.checkInRejected(CheckInStatusLicenseExpired), nil
	default:
		return s.checkInRejected(CheckInStatusLicenseInactive), nil
	}

	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&activation).Updates(map[string]any{
		"last_checkin_at": now,
		"app_version":     strings.TrimSpace(input.AppVersion),
	}).Error; err != nil {
		return nil, fmt.Errorf("activation service: record check-in: %w", err)
	}

	result, err := s.issueToken(&license, claims.AppCode, deviceHash, strings.TrimSpace(input.AppVersion))
	if err != nil {
		return nil, err
	}

	metrics.CheckIns.WithLabelValues(CheckInStatusActive).Inc()
	metrics.TokensIssued.WithLabelValues("checkin").Inc()

	return &CheckInResult{
		Active:    true,
		Status:    CheckInStatusActive,
		Token:     result.Token,
		ExpiresAt: &result.ExpiresAt,
	}, nil
}

// ActiveDeviceCount returns the number of devices currently bound to a license.
func (s *ActivationService) ActiveDeviceCount(ctx context.Context, licenseID string) (int64, error) {
	return activeDeviceCount(s.db.WithContext(ensureContext(ctx)), licenseID)
}

func activeDeviceCount(tx *gorm.DB, licenseID string) (int64, error) {
	var count int64
	err := tx.Model(&models.Activation{}).
		Where("license_id = ? AND status = ?", licenseID, models.ActivationStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("activation service: count devices: %w", err)
	}
	return count, nil
}

func (s *ActivationService) checkInRejected(status string) *CheckInResult {
	metrics.CheckIns.WithLabelValues(status).Inc()
	return &CheckInResult{Active: false, Status: status}
}

// gateLicense rejects licenses that are not currently usable. Expiry is
// derived from expires_at at evaluation time and never written back.
func (s *ActivationService) gateLicense(license *models.License) error {
	switch license.EffectiveStatus(s.now().UTC()) {
	case models.LicenseStatusActive:
		return nil
	case models.LicenseStatusExpired:
		return apperrors.ErrLicenseExpired
	default:
		return apperrors.ErrLicenseInactive
	}
}

func (s *ActivationService) lockLicense(licenseID string) func() {
	h := fnv.New32a()
	h.Write([]byte(licenseID))
	mu := &s.admission[h.Sum32()%admissionStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *ActivationService) issueToken(license *models.License, appCode, deviceHash, appVersion string) (*ActivationResult, error) {
	claims := token.Claims{
		LicenseID:     license.ID,
		AppCode:       appCode,
		DeviceHash:    deviceHash,
		LicenseStatus: license.EffectiveStatus(s.now().UTC()),
		MaxDevices:    license.MaxDevices,
		AppVersion:    appVersion,
	}
	if license.User != nil {
		claims.UserEmail = license.User.Email
		claims.UserName = license.User.Name
	}

	signed, expiresAt, err := s.tokens.Issue(claims)
	if err != nil {
		return nil, fmt.Errorf("activation service: issue token: %w", err)
	}

	return &ActivationResult{
		Token:     signed,
		ExpiresAt: expiresAt,
		License: LicenseInfo{
			ID:         license.ID,
			Key:        license.Key,
			AppCode:    appCode,
			Status:     claims.LicenseStatus,
			MaxDevices: license.MaxDevices,
			ExpiresAt:  license.ExpiresAt,
		},
	}, nil
}
