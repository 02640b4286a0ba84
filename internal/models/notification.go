package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification represents an in-app notification for an administrator,
// such as a license-expiry warning produced by the scheduler.
type Notification struct {
	BaseModel

	UserID     string         `gorm:"type:uuid;index" json:"user_id"`
	Type       string         `gorm:"type:varchar(64);not null" json:"type"`
	Title      string         `gorm:"type:varchar(255);not null" json:"title"`
	Message    string         `gorm:"type:text" json:"message"`
	Severity   string         `gorm:"type:varchar(32);default:'info'" json:"severity"`
	ResourceID string         `gorm:"type:uuid;index" json:"resource_id"`
	Metadata   datatypes.JSON `json:"metadata"`

	IsRead bool       `gorm:"default:false;index" json:"is_read"`
	ReadAt *time.Time `json:"read_at"`
}
