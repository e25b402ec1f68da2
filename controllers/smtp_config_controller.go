package controller

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"phishsim/models"
	"phishsim/utils"
)

type SMTPConfigController struct {
	DB         *gorm.DB
	Dispatcher utils.Dispatcher
}

func NewSMTPConfigController(db *gorm.DB, dispatcher utils.Dispatcher) *SMTPConfigController {
	return &SMTPConfigController{DB: db, Dispatcher: dispatcher}
}

// tenantFromPath resolves the :id path segment and refuses requests for
// a tenant other than the one in the operator's token.
func tenantFromPath(c *fiber.Ctx) (uint, error) {
	claimed := c.Locals("tenantID").(uint)
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, errors.New("invalid tenant id")
	}
	if uint(id) != claimed {
		return 0, errors.New("tenant mismatch")
	}
	return uint(id), nil
}

// GetSMTPConfig returns the tenant's mail settings with the credential
// stripped.
func (sc *SMTPConfigController) GetSMTPConfig(c *fiber.Ctx) error {
	tenantID, err := tenantFromPath(c)
	if err != nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	}

	var cfg models.SMTPConfig
	if err := sc.DB.Where("tenant_id = ?", tenantID).First(&cfg).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "SMTP configuration not found",
		})
	}

	cfg.Sanitize()
	return c.JSON(cfg)
}

type smtpConfigInput struct {
	Host         string `json:"host" validate:"required"`
	Port         int    `json:"port" validate:"required"`
	SecurityMode string `json:"security_mode" validate:"required,oneof=SMTPS STARTTLS NONE"`

	Username string `json:"username"`
	Password string `json:"password"`

	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"max=200"`
	ReplyTo   string `json:"reply_to" validate:"omitempty,email"`

	TLSVerify               *bool  `json:"tls_verify"`
	AllowedRecipientDomains string `json:"allowed_recipient_domains"`
	IsActive                *bool  `json:"is_active"`
}

// PutSMTPConfig creates or replaces the tenant's mail settings. Both
// halves of the SSRF guard run synchronously before anything is stored,
// so a config that points at a private address is never persisted. The
// password is encrypted on write; an empty password keeps the stored
// one.
func (sc *SMTPConfigController) PutSMTPConfig(c *fiber.Ctx) error {
	tenantID, err := tenantFromPath(c)
	if err != nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	}

	var input smtpConfigInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	validated, err := utils.ValidateSMTPInput(input.Host, input.Port, input.SecurityMode)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	if err := utils.AssertHostNotPrivateOrLocal(validated.Host); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	var cfg models.SMTPConfig
	existing := true
	if err := sc.DB.Where("tenant_id = ?", tenantID).First(&cfg).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to load SMTP configuration",
			})
		}
		existing = false
		cfg = models.SMTPConfig{TenantID: tenantID}
	}

	if input.Password != "" {
		encrypted, err := utils.Encrypt(input.Password)
		if err != nil {
			LogError("smtp_config_encrypt", err, map[string]interface{}{"tenant_id": tenantID})
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store credentials",
			})
		}
		cfg.Password = encrypted
	} else if !existing {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Password is required for a new configuration",
		})
	}

	cfg.Host = validated.Host
	cfg.Port = validated.Port
	cfg.SecurityMode = validated.SecurityMode
	cfg.Username = input.Username
	cfg.FromEmail = strings.ToLower(strings.TrimSpace(input.FromEmail))
	cfg.FromName = input.FromName
	cfg.ReplyTo = strings.ToLower(strings.TrimSpace(input.ReplyTo))
	cfg.AllowedRecipientDomains = input.AllowedRecipientDomains
	if input.TLSVerify != nil {
		cfg.TLSVerify = *input.TLSVerify
	}
	if input.IsActive != nil {
		cfg.IsActive = *input.IsActive
	}

	if err := sc.DB.Save(&cfg).Error; err != nil {
		LogError("smtp_config_save", err, map[string]interface{}{"tenant_id": tenantID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save SMTP configuration",
		})
	}

	LogEvent("smtp_config_saved", map[string]interface{}{
		"tenant_id":     tenantID,
		"host":          cfg.Host,
		"port":          cfg.Port,
		"security_mode": cfg.SecurityMode,
	})

	cfg.Sanitize()
	return c.JSON(cfg)
}

type smtpTestInput struct {
	Recipient string `json:"recipient" validate:"required,email"`
}

// testOutcomeBookkeeping returns the columns recorded on the config
// after a connectivity test. last_tested_at is written on every attempt,
// success or not, so operators can see when the config was last probed.
func testOutcomeBookkeeping(sendErr error, now time.Time) map[string]interface{} {
	bookkeeping := map[string]interface{}{"last_tested_at": now}
	if sendErr != nil {
		bookkeeping["last_test_status"] = models.TestStatusFailed
		bookkeeping["last_test_error"] = sendErr.Error()
	} else {
		bookkeeping["last_test_status"] = models.TestStatusSuccess
		bookkeeping["last_test_error"] = ""
	}
	return bookkeeping
}

// TestSMTPConfig sends one connectivity-test mail through the stored
// configuration. Test sends are restricted to TLS ports and allow-listed
// recipient domains, and the outcome is recorded on the config whether
// it succeeded or not.
func (sc *SMTPConfigController) TestSMTPConfig(c *fiber.Ctx) error {
	tenantID, err := tenantFromPath(c)
	if err != nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	}

	var cfg models.SMTPConfig
	if err := sc.DB.Where("tenant_id = ?", tenantID).First(&cfg).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "SMTP configuration not found",
		})
	}

	var input smtpTestInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	if cfg.Port != 465 && cfg.Port != 587 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "Test sends are only allowed on ports 465 and 587",
		})
	}

	recipient, err := utils.ValidateTestRecipientEmail(input.Recipient, &cfg)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	result, sendErr := sc.Dispatcher.Dispatch(c.UserContext(), &cfg, utils.OutboundMessage{
		To:      recipient,
		Subject: "SMTP configuration test",
		HTMLBody: `<html><body><p>This is a test message confirming your outbound mail settings.</p>` +
			`<p>If you received it, the configuration works.</p></body></html>`,
	})

	now := time.Now().UTC()
	if err := sc.DB.Model(&cfg).Updates(testOutcomeBookkeeping(sendErr, now)).Error; err != nil {
		LogError("smtp_test_bookkeeping", err, map[string]interface{}{"tenant_id": tenantID})
	}

	if sendErr != nil {
		var de *utils.DeliveryError
		kind := utils.DeliveryErrDelivery
		if errors.As(sendErr, &de) {
			kind = de.Kind
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"kind":    kind,
			"error":   sendErr.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"message_id": result.MessageID,
		"tested_at":  now,
	})
}
