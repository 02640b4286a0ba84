package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/models"
	"github.com/dangson92/licensegate/internal/realtime"
	"github.com/dangson92/licensegate/internal/services"
	"github.com/dangson92/licensegate/pkg/logger"
	"github.com/dangson92/licensegate/pkg/mail"
)

const (
	defaultScanSpec       = "@hourly"
	defaultWarningWindow  = 7 * 24 * time.Hour
	defaultStaleDeviceAge = 90 * 24 * time.Hour

	expiryNotificationType = "license_expiring"
)

// Scanner runs the background license maintenance jobs: warning about
// upcoming expiries and parking devices that stopped checking in.
type Scanner struct {
	db            *gorm.DB
	notifications *services.NotificationService
	hub           *realtime.Hub
	mailer        mail.Mailer
	cron          *cron.Cron
	now           func() time.Time
	log           *zap.Logger

	schedule      string
	warningWindow time.Duration
	staleAge      time.Duration

	mu         sync.Mutex
	lastRunAt  time.Time
	lastRunErr error
}

// Option customises the Scanner.
type Option func(*Scanner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scanner) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and expiry comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedule overrides the cron specification for the scan.
func WithSchedule(spec string) Option {
	return func(s *Scanner) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithWarningWindow adjusts how far ahead of expiry warnings are raised.
func WithWarningWindow(window time.Duration) Option {
	return func(s *Scanner) {
		if window > 0 {
			s.warningWindow = window
		}
	}
}

// WithStaleDeviceAge adjusts how long a device may stay silent before it is
// parked as inactive.
func WithStaleDeviceAge(age time.Duration) Option {
	return func(s *Scanner) {
		if age > 0 {
			s.staleAge = age
		}
	}
}

// WithMailer enables owner email warnings alongside admin notifications.
func WithMailer(m mail.Mailer) Option {
	return func(s *Scanner) {
		s.mailer = m
	}
}

// NewScanner constructs a Scanner with sensible defaults. A nil notification
// service disables in-app warnings but the stale device sweep still runs.
func NewScanner(db *gorm.DB, notifications *services.NotificationService, hub *realtime.Hub, opts ...Option) *Scanner {
	scanner := &Scanner{
		db:            db,
		notifications: notifications,
		hub:           hub,
		now:           time.Now,
		schedule:      defaultScanSpec,
		warningWindow: defaultWarningWindow,
		staleAge:      defaultStaleDeviceAge,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(scanner)
	}

	if scanner.cron == nil {
		scanner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return scanner
}

// Start registers the scan with the cron scheduler and launches it.
func (s *Scanner) Start() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("license scan failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Scanner) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes one full scan. Primarily used in tests and during startup.
func (s *Scanner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if err := s.warnExpiringLicenses(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := s.parkStaleDevices(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	s.mu.Lock()
	s.lastRunAt = s.now()
	s.lastRunErr = errs
	s.mu.Unlock()

	return errs
}

// LastScan reports when the scanner last completed and whether that run failed.
// A zero time means no scan has run yet.
func (s *Scanner) LastScan() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunAt, s.lastRunErr
}

// warnExpiringLicenses raises one unread notification per license entering
// the warning window, plus an optional email to the license owner.
func (s *Scanner) warnExpiringLicenses(ctx context.Context) error {
	if s.db == nil {
		return errors.New("scan: db is required")
	}

	now := s.now().UTC()
	horizon := now.Add(s.warningWindow)

	var expiring []models.License
	if err := s.db.WithContext(ctx).
		Preload("App").
		Preload("User").
		Where("status = ? AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?",
			models.LicenseStatusActive, now, horizon).
		Find(&expiring).Error; err != nil {
		return fmt.Errorf("scan: load expiring licenses: %w", err)
	}
	if len(expiring) == 0 {
		return nil
	}

	admins, err := s.adminIDs(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, license := range expiring {
		if err := s.warnLicense(ctx, license, admins, now); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Scanner) warnLicense(ctx context.Context, license models.License, admins []string, now time.Time) error {
	daysLeft := int(license.ExpiresAt.Sub(now).Hours() / 24)
	title := "License expiring soon"
	message := fmt.Sprintf("License %s expires in %d day(s)", license.Key, daysLeft)
	if license.App != nil {
		message = fmt.Sprintf("License %s for %s expires in %d day(s)", license.Key, license.App.Name, daysLeft)
	}

	if s.notifications != nil {
		// One unread warning per license; re-raised only after an admin reads it.
		exists, err := s.notifications.HasUnreadForResource(ctx, expiryNotificationType, license.ID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		for _, adminID := range admins {
			if _, err := s.notifications.Create(ctx, services.CreateNotificationInput{
				UserID:     adminID,
				Type:       expiryNotificationType,
				Title:      title,
				Message:    message,
				Severity:   "warning",
				ResourceID: license.ID,
				Metadata:   map[string]any{"days_left": daysLeft, "license_key": license.Key},
			}); err != nil {
				return err
			}
		}
	}

	if s.hub != nil {
		s.hub.BroadcastStream(realtime.StreamLicenses, realtime.Message{
			Event: "license.expiring",
			Data: map[string]any{
				"license_id": license.ID,
				"expires_at": license.ExpiresAt,
				"days_left":  daysLeft,
			},
		})
	}

	if s.mailer != nil && license.User != nil && license.User.Email != "" {
		err := s.mailer.Send(ctx, mail.Message{
			To:      []string{license.User.Email},
			Subject: title,
			Body:    message + "\r\n\r\nRenew the license to keep your devices active.",
		})
		if err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
			s.log.Warn("expiry mail failed",
				zap.String("license_id", license.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// parkStaleDevices flags activations that have not checked in for staleAge as
// inactive. Their next check-in reports the device as parked and the freed
// slots become available to new devices.
func (s *Scanner) parkStaleDevices(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errors.New("scan: db is required")
	}

	cutoff := s.now().UTC().Add(-s.staleAge)
	result := s.db.WithContext(ctx).Model(&models.Activation{}).
		Where("status = ? AND last_checkin_at < ?", models.ActivationStatusActive, cutoff).
		Update("status", models.ActivationStatusInactive)
	if result.Error != nil {
		return 0, fmt.Errorf("scan: park stale devices: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.Info("parked stale devices", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Scanner) adminIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("is_admin = ?", true).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("scan: load admins: %w", err)
	}
	return ids, nil
}
