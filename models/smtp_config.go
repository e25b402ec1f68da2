package models

import (
	"time"

	"gorm.io/gorm"
)

// SMTP security modes, paired to ports by the SSRF guard
const (
	SecurityModeSMTPS    = "SMTPS"
	SecurityModeSTARTTLS = "STARTTLS"
	SecurityModeNone     = "NONE"
)

// Last connectivity-test outcomes
const (
	TestStatusSuccess = "success"
	TestStatusFailed  = "failed"
)

// SMTPConfig holds a tenant's outbound mail server settings.
// The password is encrypted in the application layer and never leaves
// the server; callers only ever see HasPassword.
type SMTPConfig struct {
	gorm.Model
	TenantID uint `gorm:"not null;uniqueIndex" json:"tenant_id"`

	Host         string `gorm:"not null" json:"host"`
	Port         int    `gorm:"not null" json:"port"`
	SecurityMode string `gorm:"not null;default:'STARTTLS'" json:"security_mode"` // SMTPS, STARTTLS, NONE

	Username string `json:"username"`
	Password string `gorm:"not null" json:"-"` // Encrypted in application layer

	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `json:"from_name"`
	ReplyTo   string `json:"reply_to"`

	TLSVerify bool `gorm:"default:true" json:"tls_verify"`

	// Comma-separated domain allow-list for test sends
	AllowedRecipientDomains string `json:"allowed_recipient_domains"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	// Last connectivity-test bookkeeping, written even on failure so
	// operators keep an audit trail
	LastTestedAt   *time.Time `json:"last_tested_at"`
	LastTestStatus string     `json:"last_test_status"`
	LastTestError  string     `json:"last_test_error"`

	HasPassword bool `gorm:"-" json:"has_password"`
}

// Sanitize strips the encrypted credential before the config is returned
// to a caller, leaving only the HasPassword hint.
func (sc *SMTPConfig) Sanitize() {
	sc.HasPassword = sc.Password != ""
	sc.Password = ""
}
