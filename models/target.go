package models

import "gorm.io/gorm"

// Target represents an individual recipient of training campaigns
type Target struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Email      string `gorm:"not null;index" json:"email"`
	FullName   string `json:"full_name"`
	Department string `json:"department"`

	// Relations
	Projects []ProjectTarget `gorm:"foreignKey:TargetID" json:"-"`
}
