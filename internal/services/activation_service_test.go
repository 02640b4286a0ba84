package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/database/testutil"
	"github.com/dangson92/licensegate/internal/licensing"
	"github.com/dangson92/licensegate/internal/models"
	"github.com/dangson92/licensegate/internal/token"
	apperrors "github.com/dangson92/licensegate/pkg/errors"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

// testClock is a mutable clock shared between a service and its test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type activationFixture struct {
	db      *gorm.DB
	svc     *ActivationService
	clock   *testClock
	app     models.App
	license models.License
}

type fixtureOption func(*models.License)

func withMaxDevices(n int) fixtureOption {
	return func(l *models.License) { l.MaxDevices = n }
}

func withExpiresAt(at time.Time) fixtureOption {
	return func(l *models.License) { l.ExpiresAt = &at }
}

func withStatus(status string) fixtureOption {
	return func(l *models.License) { l.Status = status }
}

// newActivationFixture seeds an app, owner and license. Codes, keys and
// emails are randomised because the in-memory test database is shared
// across tests within the package.
func newActivationFixture(t *testing.T, opts ...fixtureOption) *activationFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tokens := token.NewServiceWithKeys(testSigningKey(t), nil, "licensegate-test", 0, clock.Now)

	hasher, err := licensing.NewHasher("test-fingerprint-salt")
	require.NoError(t, err)

	svc, err := NewActivationService(db, tokens, hasher)
	require.NoError(t, err)
	svc.WithClock(clock.Now)

	owner := models.User{Email: uuid.NewString() + "@example.com", Name: "Owner"}
	require.NoError(t, db.Create(&owner).Error)

	app := models.App{Code: "app-" + uuid.NewString(), Name: "Demo App"}
	require.NoError(t, db.Create(&app).Error)

	license := models.License{
		Key:        uuid.NewString(),
		AppID:      app.ID,
		UserID:     owner.ID,
		MaxDevices: 3,
		Status:     models.LicenseStatusActive,
	}
	for _, opt := range opts {
		opt(&license)
	}
	require.NoError(t, db.Create(&license).Error)

	return &activationFixture{db: db, svc: svc, clock: clock, app: app, license: license}
}

func (f *activationFixture) activate(t *testing.T, fingerprint string) (*ActivationResult, error) {
	t.Helper()

	return f.svc.Activate(context.Background(), ActivateInput{
		LicenseKey:        f.license.Key,
		AppCode:           f.app.Code,
		DeviceFingerprint: fingerprint,
		AppVersion:        "1.0.0",
	})
}

func (f *activationFixture) checkIn(t *testing.T, bearer, fingerprint string) *CheckInResult {
	t.Helper()

	result, err := f.svc.CheckIn(context.Background(), CheckInInput{
		Token:             bearer,
		AppCode:           f.app.Code,
		DeviceFingerprint: fingerprint,
		AppVersion:        "1.0.1",
	})
	require.NoError(t, err)
	return result
}

func TestActivateAdmitsUpToCeiling(t *testing.T) {
	f := newActivationFixture(t, withMaxDevices(2))

	_, err := f.activate(t, "device-a")
	require.NoError(t, err)
	_, err = f.activate(t, "device-b")
	require.NoError(t, err)

	_, err = f.activate(t, "device-c")
	require.ErrorIs(t, err, apperrors.ErrMaxDevicesReached)

	count, err := f.svc.ActiveDeviceCount(context.Background(), f.license.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestActivateIsIdempotentPerDevice(t *testing.T) {
	f := newActivationFixture(t, withMaxDevices(2))

	first, err := f.activate(t, "device-a")
	require.NoError(t, err)
	_, err = f.activate(t, "device-b")
	require.NoError(t, err)

	// The license is full, but a bound device may always come back.
	again, err := f.activate(t, "device-a")
	require.NoError(t, err)
	assert.NotEmpty(t, again.Token)
	assert.Equal(t, first.License.ID, again.License.ID)

	count, err := f.svc.ActiveDeviceCount(context.Background(), f.license.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestActivateReturnsTokenWithLicenseSnapshot(t *testing.T) {
	f := newActivationFixture(t)

	result, err := f.activate(t, "device-a")
	require.NoError(t, err)

	assert.NotEmpty(t, result.Token)
	assert.True(t, result.ExpiresAt.After(f.clock.Now()))
	assert.Equal(t, f.license.Key, result.License.Key)
	assert.Equal(t, f.app.Code, result.License.AppCode)
	assert.Equal(t, models.LicenseStatusActive, result.License.Status)
	assert.Equal(t, f.license.MaxDevices, result.License.MaxDevices)
}

func TestActivateValidatesInput(t *testing.T) {
	f := newActivationFixture(t)

	_, err := f.svc.Activate(context.Background(), ActivateInput{
		LicenseKey: f.license.Key,
		AppCode:    f.app.Code,
	})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestActivateUnknownApp(t *testing.T) {
	f := newActivationFixture(t)

	_, err := f.svc.Activate(context.Background(), ActivateInput{
		LicenseKey:        f.license.Key,
		AppCode:           "no-such-app",
		DeviceFingerprint: "device-a",
	})
	require.ErrorIs(t, err, apperrors.ErrAppNotFound)
}

func TestActivateUnknownKey(t *testing.T) {
	f := newActivationFixture(t)

	_, err := f.svc.Activate(context.Background(), ActivateInput{
		LicenseKey:        uuid.NewString(),
		AppCode:           f.app.Code,
		DeviceFingerprint: "device-a",
	})
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestActivateKeyScopedToItsApp(t *testing.T) {
	f := newActivationFixture(t)

	other := models.App{Code: "app-" + uuid.NewString(), Name: "Other App"}
	require.NoError(t, f.db.Create(&other).Error)

	// A valid key presented against the wrong app behaves as unknown.
	_, err := f.svc.Activate(context.Background(), ActivateInput{
		LicenseKey:        f.license.Key,
		AppCode:           other.Code,
		DeviceFingerprint: "device-a",
	})
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestActivateRevokedLicense(t *testing.T) {
	f := newActivationFixture(t, withStatus(models.LicenseStatusRevoked))

	_, err := f.activate(t, "device-a")
	require.ErrorIs(t, err, apperrors.ErrLicenseInactive)
}

func TestActivateExpiredLicense(t *testing.T) {
	f := newActivationFixture(t)

	expiry := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&models.License{}).
		Where("id = ?", f.license.ID).
		Update("expires_at", expiry).Error)

	_, err := f.activate(t, "device-a")
	require.ErrorIs(t, err, apperrors.ErrLicenseExpired)

	// Expiry is derived, never written back to the row.
	var stored models.License
	require.NoError(t, f.db.Where("id = ?", f.license.ID).First(&stored).Error)
	assert.Equal(t, models.LicenseStatusActive, stored.Status)
}

func TestActivateStoresHashedFingerprintOnly(t *testing.T) {
	f := newActivationFixture(t)

	const fingerprint = "raw-fingerprint-material"
	_, err := f.activate(t, fingerprint)
	require.NoError(t, err)

	var activation models.Activation
	require.NoError(t, f.db.Where("license_id = ?", f.license.ID).First(&activation).Error)
	assert.NotEqual(t, fingerprint, activation.DeviceHash)
	assert.Len(t, activation.DeviceHash, 64)
	assert.NotContains(t, activation.DeviceHash, fingerprint)
}

func TestConcurrentActivationsHoldCeiling(t *testing.T) {
	f := newActivationFixture(t, withMaxDevices(2))

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.Activate(context.Background(), ActivateInput{
				LicenseKey:        f.license.Key,
				AppCode:           f.app.Code,
				DeviceFingerprint: "device-" + uuid.NewString(),
			})
			results[n] = err
		}(i)
	}
	wg.Wait()

	var admitted, denied int
	for _, err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, apperrors.ErrMaxDevicesReached):
			denied++
		default:
			t.Fatalf("unexpected activation error: %v", err)
		}
	}

	assert.Equal(t, 2, admitted)
	assert.Equal(t, attempts-2, denied)

	count, err := f.svc.ActiveDeviceCount(context.Background(), f.license.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestActivateParkedDeviceNeedsFreeSlot(t *testing.T) {
	f := newActivationFixture(t, withMaxDevices(2))

	_, err := f.activate(t, "device-a")
	require.NoError(t, err)
	_, err = f.activate(t, "device-b")
	require.NoError(t, err)

	// The maintenance scan parks device A for silence, freeing its slot.
	hasher, err := licensing.NewHasher("test-fingerprint-salt")
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.Activation{}).
		Where("license_id = ? AND device_hash = ?", f.license.ID, hasher.Hash("device-a")).
		Update("status", models.ActivationStatusInactive).Error)

	// A new device takes the freed slot.
	_, err = f.activate(t, "device-c")
	require.NoError(t, err)

	// The parked device gave its slot up; with the license full again it
	// cannot fold itself back in.
	_, err = f.activate(t, "device-a")
	require.ErrorIs(t, err, apperrors.ErrMaxDevicesReached)

	count, err := f.svc.ActiveDeviceCount(context.Background(), f.license.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	var parked models.Activation
	require.NoError(t, f.db.
		Where("license_id = ? AND device_hash = ?", f.license.ID, hasher.Hash("device-a")).
		First(&parked).Error)
	assert.Equal(t, models.ActivationStatusInactive, parked.Status)

	// Once a slot frees up the parked device re-admits onto its old row.
	require.NoError(t, f.db.
		Where("license_id = ? AND device_hash = ?", f.license.ID, hasher.Hash("device-c")).
		Delete(&models.Activation{}).Error)

	_, err = f.activate(t, "device-a")
	require.NoError(t, err)

	count, err = f.svc.ActiveDeviceCount(context.Background(), f.license.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestActivateTokenReflectsCurrentLimits(t *testing.T) {
	f := newActivationFixture(t, withMaxDevices(3))

	_, err := f.activate(t, "device-a")
	require.NoError(t, err)

	// Admin raises the ceiling between two activations of the same device.
	require.NoError(t, f.db.Model(&models.License{}).
		Where("id = ?", f.license.ID).
		Update("max_devices", 5).Error)

	again, err := f.activate(t, "device-a")
	require.NoError(t, err)
	assert.Equal(t, 5, again.License.MaxDevices)

	verifier := token.NewServiceWithKeys(testSigningKey(t), nil, "licensegate-test", 0, f.clock.Now)
	claims, err := verifier.Verify(again.Token)
	require.NoError(t, err)
	assert.Equal(t, 5, claims.MaxDevices)
	assert.Contains(t, claims.UserEmail, "@example.com")
}

func TestActivateAgainUpdatesAppVersion(t *testing.T) {
	f := newActivationFixture(t)

	_, err := f.activate(t, "device-a")
	require.NoError(t, err)

	_, err = f.svc.Activate(context.Background(), ActivateInput{
		LicenseKey:        f.license.Key,
		AppCode:           f.app.Code,
		DeviceFingerprint: "device-a",
		AppVersion:        "2.5.0",
	})
	require.NoError(t, err)

	var activation models.Activation
	require.NoError(t, f.db.Where("license_id = ?", f.license.ID).First(&activation).Error)
	assert.Equal(t, "2.5.0", activation.AppVersion)
}

func TestLockLicenseSerialisesSameLicense(t *testing.T) {
	var svc ActivationService

	unlock := svc.lockLicense("license-1")

	done := make(chan struct{})
	go func() {
		again := svc.lockLicense("license-1")
		again()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected second acquisition to block")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}

func TestCheckInRefreshesBinding(t *testing.T) {
	f := newActivationFixture(t)

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	result := f.checkIn(t, activated.Token, "device-a")
	assert.True(t, result.Active)
	assert.Equal(t, CheckInStatusActive, result.Status)
	assert.NotEmpty(t, result.Token)
	require.NotNil(t, result.ExpiresAt)
	assert.True(t, result.ExpiresAt.After(activated.ExpiresAt))

	var activation models.Activation
	require.NoError(t, f.db.Where("license_id = ?", f.license.ID).First(&activation).Error)
	assert.Equal(t, "1.0.1", activation.AppVersion)
	assert.Equal(t, f.clock.Now().Unix(), activation.LastCheckinAt.Unix())
}

func TestCheckInInvalidToken(t *testing.T) {
	f := newActivationFixture(t)

	result := f.checkIn(t, "not-a-token", "device-a")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusInvalidToken, result.Status)
	assert.Empty(t, result.Token)
}

func TestCheckInExpiredToken(t *testing.T) {
	f := newActivationFixture(t)

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)

	result := f.checkIn(t, activated.Token, "device-a")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusInvalidToken, result.Status)
}

func TestCheckInAppCodeMismatch(t *testing.T) {
	f := newActivationFixture(t)

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	result, err := f.svc.CheckIn(context.Background(), CheckInInput{
		Token:             activated.Token,
		AppCode:           "some-other-app",
		DeviceFingerprint: "device-a",
	})
	require.NoError(t, err)
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusAppCodeMismatch, result.Status)
}

func TestCheckInDeviceMismatch(t *testing.T) {
	f := newActivationFixture(t)

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	result := f.checkIn(t, activated.Token, "device-b")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusDeviceMismatch, result.Status)
}

func TestCheckInAfterDeviceRemoved(t *testing.T) {
	f := newActivationFixture(t, withMaxDevices(2))

	activatedA, err := f.activate(t, "device-a")
	require.NoError(t, err)
	activatedB, err := f.activate(t, "device-b")
	require.NoError(t, err)

	_, err = f.activate(t, "device-c")
	require.ErrorIs(t, err, apperrors.ErrMaxDevicesReached)

	// Admin frees device A's slot.
	hasher, err := licensing.NewHasher("test-fingerprint-salt")
	require.NoError(t, err)
	require.NoError(t, f.db.
		Where("license_id = ? AND device_hash = ?", f.license.ID, hasher.Hash("device-a")).
		Delete(&models.Activation{}).Error)

	result := f.checkIn(t, activatedA.Token, "device-a")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusDeviceRemoved, result.Status)

	// Device B is untouched and device C now fits.
	resultB := f.checkIn(t, activatedB.Token, "device-b")
	assert.True(t, resultB.Active)

	_, err = f.activate(t, "device-c")
	require.NoError(t, err)
}

func TestCheckInInactiveDevice(t *testing.T) {
	f := newActivationFixture(t)

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.Activation{}).
		Where("license_id = ?", f.license.ID).
		Update("status", models.ActivationStatusInactive).Error)

	result := f.checkIn(t, activated.Token, "device-a")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusDeviceInactive, result.Status)
}

func TestCheckInAfterRevoke(t *testing.T) {
	f := newActivationFixture(t)

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.License{}).
		Where("id = ?", f.license.ID).
		Update("status", models.LicenseStatusRevoked).Error)

	result := f.checkIn(t, activated.Token, "device-a")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusLicenseInactive, result.Status)
	assert.Empty(t, result.Token)
}

func TestCheckInAfterLicenseExpires(t *testing.T) {
	f := newActivationFixture(t, withExpiresAt(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	// The bearer token is still valid, but the license lapsed underneath it.
	f.clock.Advance(48 * time.Hour)

	result := f.checkIn(t, activated.Token, "device-a")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusLicenseExpired, result.Status)
}

func TestCheckInAfterLicenseDeleted(t *testing.T) {
	f := newActivationFixture(t)

	activated, err := f.activate(t, "device-a")
	require.NoError(t, err)

	require.NoError(t, f.db.Where("license_id = ?", f.license.ID).Delete(&models.Activation{}).Error)
	require.NoError(t, f.db.Where("id = ?", f.license.ID).Delete(&models.License{}).Error)

	result := f.checkIn(t, activated.Token, "device-a")
	assert.False(t, result.Active)
	assert.Equal(t, CheckInStatusDeviceRemoved, result.Status)
}
