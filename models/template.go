package models

import "gorm.io/gorm"

// CTA fallback element kinds
const (
	CTAKindAnchor = "a"
	CTAKindButton = "button"
)

// Template holds the simulated phishing mail and landing page markup
// together with the call-to-action injection policy.
type Template struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Name    string `gorm:"not null" json:"name"`
	Subject string `gorm:"not null" json:"subject"`

	// EmailHTML is the stored, pristine mail body; injection always runs
	// against this copy so repeated sends never double-inject.
	EmailHTML string `gorm:"not null" json:"email_html"`

	// LandingHTML is the simulated phishing page rendered on a landing hit.
	LandingHTML string `json:"landing_html"`

	// CTA injection policy
	ReplaceFirstAnchor bool   `gorm:"default:true" json:"replace_first_anchor"`
	ReplaceFirstButton bool   `gorm:"default:false" json:"replace_first_button"`
	AppendFallback     bool   `gorm:"default:true" json:"append_fallback"`
	FallbackKind       string `gorm:"default:'a'" json:"fallback_kind"` // a, button
	FallbackLabel      string `gorm:"default:'Open document'" json:"fallback_label"`
}
