package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User identifies a license owner or an administrator. The platform does not
// manage accounts beyond what license ownership requires: owners are created
// implicitly when a license is issued, administrators are seeded from config.
type User struct {
	BaseModel

	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Name     string `json:"name"`
	Password string `json:"-"`

	IsAdmin bool `gorm:"default:false" json:"is_admin"`

	Licenses []License `gorm:"foreignKey:UserID" json:"-"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
