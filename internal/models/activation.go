package models

import "time"

// Activation status values.
const (
	ActivationStatusActive   = "active"
	ActivationStatusInactive = "inactive"
)

// Activation is the durable binding of one device to one license. Device
// fingerprints are stored only as salted hashes; the raw client-supplied
// value never reaches the database.
type Activation struct {
	BaseModel

	LicenseID string   `gorm:"type:uuid;not null;uniqueIndex:idx_license_device" json:"license_id"`
	License   *License `gorm:"foreignKey:LicenseID" json:"license,omitempty"`

	DeviceHash string `gorm:"not null;uniqueIndex:idx_license_device" json:"device_hash"`
	AppVersion string `json:"app_version"`

	FirstActivatedAt time.Time `gorm:"not null" json:"first_activated_at"`
	LastCheckinAt    time.Time `gorm:"not null" json:"last_checkin_at"`

	Status string `gorm:"type:varchar(16);default:'active';index" json:"status"`
}
