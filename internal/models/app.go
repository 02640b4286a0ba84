package models

// App represents a distributed desktop application. Clients identify
// themselves with the stable Code when activating or checking in.
type App struct {
	BaseModel

	Code string `gorm:"uniqueIndex;not null" json:"code"`
	Name string `gorm:"not null" json:"name"`

	Licenses []License `gorm:"foreignKey:AppID" json:"-"`
}
