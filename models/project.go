package models

import (
	"time"

	"gorm.io/gorm"
)

// Project lifecycle states
const (
	ProjectStatusDraft     = "draft"
	ProjectStatusScheduled = "scheduled"
	ProjectStatusRunning   = "running"
	ProjectStatusCompleted = "completed"
	ProjectStatusTest      = "test"
)

// Per-recipient funnel states
const (
	TargetStatusSent      = "sent"
	TargetStatusOpened    = "opened"
	TargetStatusClicked   = "clicked"
	TargetStatusSubmitted = "submitted"
	TargetStatusTest      = "test"
)

// Project represents a phishing-awareness training campaign
type Project struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Scheduling
	Status    string     `gorm:"default:'draft'" json:"status"` // draft, scheduled, running, completed, test
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`

	TemplateID uint `gorm:"index" json:"template_id"`

	// Campaign-wide token for the post-training informational page
	TrainingLinkToken string `gorm:"not null;uniqueIndex" json:"training_link_token"`

	// Funnel counters, denormalized. Moved only by relative-delta updates
	// in the funnel store, never recomputed by a scan, so each stays at
	// or below TargetCount.
	TargetCount int `gorm:"default:0" json:"target_count"`
	OpenCount   int `gorm:"default:0" json:"open_count"`
	ClickCount  int `gorm:"default:0" json:"click_count"`
	SubmitCount int `gorm:"default:0" json:"submit_count"`

	// Relations
	TrainingPage *TrainingPage   `gorm:"foreignKey:ProjectID" json:"training_page,omitempty"`
	Targets      []ProjectTarget `gorm:"foreignKey:ProjectID" json:"targets,omitempty"`
}

// ProjectTarget joins a recipient to a campaign and carries its funnel state
type ProjectTarget struct {
	gorm.Model
	ProjectID uint `gorm:"not null;index:idx_project_target,unique" json:"project_id"`
	TargetID  uint `gorm:"not null;index:idx_project_target,unique" json:"target_id"`

	// Unguessable bearer handle for the funnel endpoints
	TrackingToken string `gorm:"not null;uniqueIndex" json:"-"`

	// Write-once funnel timestamps, set on first occurrence only
	OpenedAt    *time.Time `json:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	SubmittedAt *time.Time `json:"submitted_at"`

	Status string `gorm:"default:'sent'" json:"status"` // sent, opened, clicked, submitted, test

	// Send bookkeeping
	SentAt    *time.Time `json:"sent_at"`
	MessageID string     `json:"message_id"`
	SendError string     `json:"send_error,omitempty"`

	// Relations
	Project Project `json:"-"`
	Target  Target  `json:"target,omitempty"`
}

// IsTest reports whether the record is permanently excluded from
// campaign aggregate counting.
func (pt *ProjectTarget) IsTest() bool {
	return pt.Status == TargetStatusTest
}

// TrainingPage holds the educational HTML shown after the simulation
type TrainingPage struct {
	gorm.Model
	ProjectID uint   `gorm:"not null;uniqueIndex" json:"project_id"`
	HTML      string `gorm:"not null" json:"html"`
	IsActive  bool   `gorm:"default:true" json:"is_active"`
}
