package models

import "time"

// License status values. "expired" is derived from ExpiresAt at evaluation
// time and is never persisted by the activation or check-in paths; only
// "active" and "revoked" are stored.
const (
	LicenseStatusActive  = "active"
	LicenseStatusRevoked = "revoked"
	LicenseStatusExpired = "expired"
)

// License is an issued entitlement binding a bounded set of devices to one
// application on behalf of one owner.
type License struct {
	BaseModel

	Key string `gorm:"uniqueIndex;not null" json:"key"`

	AppID string `gorm:"type:uuid;not null;index" json:"app_id"`
	App   *App   `gorm:"foreignKey:AppID" json:"app,omitempty"`

	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`

	MaxDevices int        `gorm:"not null" json:"max_devices"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Status     string     `gorm:"type:varchar(16);default:'active';index" json:"status"`

	Activations []Activation `gorm:"foreignKey:LicenseID;constraint:OnDelete:CASCADE" json:"-"`
}

// IsExpired reports whether the license expiry is set and in the past.
func (l *License) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// EffectiveStatus derives the protocol-visible status at the given instant.
// A stored "revoked" always wins; an elapsed expiry downgrades "active" to
// "expired" without being written back.
func (l *License) EffectiveStatus(now time.Time) string {
	if l.Status != LicenseStatusActive {
		return l.Status
	}
	if l.IsExpired(now) {
		return LicenseStatusExpired
	}
	return LicenseStatusActive
}
