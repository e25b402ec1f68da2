package controller

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"phishsim/models"
	"phishsim/utils"
)

type TemplateController struct {
	DB *gorm.DB
}

func NewTemplateController(db *gorm.DB) *TemplateController {
	return &TemplateController{DB: db}
}

type templateInput struct {
	Name        string `json:"name" validate:"required,min=2,max=200"`
	Subject     string `json:"subject" validate:"required,max=500"`
	EmailHTML   string `json:"email_html" validate:"required"`
	LandingHTML string `json:"landing_html"`

	ReplaceFirstAnchor *bool  `json:"replace_first_anchor"`
	ReplaceFirstButton *bool  `json:"replace_first_button"`
	AppendFallback     *bool  `json:"append_fallback"`
	FallbackKind       string `json:"fallback_kind" validate:"omitempty,oneof=a button"`
	FallbackLabel      string `json:"fallback_label" validate:"max=200"`
}

// CreateTemplate stores a mail template. The markup is rejected up
// front when it carries placeholders the renderer does not know, so a
// broken template can never reach a send.
func (tc *TemplateController) CreateTemplate(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}
	if unknown := utils.UnknownPlaceholders(input.EmailHTML + input.LandingHTML); len(unknown) > 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":        "Template contains unknown placeholders",
			"placeholders": unknown,
		})
	}

	tpl := models.Template{
		TenantID:    tenantID,
		Name:        input.Name,
		Subject:     input.Subject,
		EmailHTML:   input.EmailHTML,
		LandingHTML: input.LandingHTML,

		ReplaceFirstAnchor: boolOr(input.ReplaceFirstAnchor, true),
		ReplaceFirstButton: boolOr(input.ReplaceFirstButton, false),
		AppendFallback:     boolOr(input.AppendFallback, true),
		FallbackKind:       defaultString(input.FallbackKind, models.CTAKindAnchor),
		FallbackLabel:      defaultString(input.FallbackLabel, "Open document"),
	}
	if err := tc.DB.Create(&tpl).Error; err != nil {
		LogError("template_create", err, map[string]interface{}{"tenant_id": tenantID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create template",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(tpl)
}

// GetTemplates returns all templates for the tenant
func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var templates []models.Template
	if err := tc.DB.Where("tenant_id = ?", tenantID).Order("name").Find(&templates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch templates",
		})
	}
	return c.JSON(templates)
}

// GetTemplate returns a single template
func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var tpl models.Template
	if err := tc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&tpl).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}
	return c.JSON(tpl)
}

// UpdateTemplate replaces a template's content and injection policy.
func (tc *TemplateController) UpdateTemplate(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var tpl models.Template
	if err := tc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&tpl).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}
	if unknown := utils.UnknownPlaceholders(input.EmailHTML + input.LandingHTML); len(unknown) > 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":        "Template contains unknown placeholders",
			"placeholders": unknown,
		})
	}

	tpl.Name = input.Name
	tpl.Subject = input.Subject
	tpl.EmailHTML = input.EmailHTML
	tpl.LandingHTML = input.LandingHTML
	tpl.ReplaceFirstAnchor = boolOr(input.ReplaceFirstAnchor, tpl.ReplaceFirstAnchor)
	tpl.ReplaceFirstButton = boolOr(input.ReplaceFirstButton, tpl.ReplaceFirstButton)
	tpl.AppendFallback = boolOr(input.AppendFallback, tpl.AppendFallback)
	tpl.FallbackKind = defaultString(input.FallbackKind, tpl.FallbackKind)
	tpl.FallbackLabel = defaultString(input.FallbackLabel, tpl.FallbackLabel)

	if err := tc.DB.Save(&tpl).Error; err != nil {
		LogError("template_update", err, map[string]interface{}{"template_id": tpl.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update template",
		})
	}
	return c.JSON(tpl)
}

// DeleteTemplate removes a template unless a campaign still uses it.
func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var tpl models.Template
	if err := tc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&tpl).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	var inUse int64
	tc.DB.Model(&models.Project{}).Where("template_id = ?", tpl.ID).Count(&inUse)
	if inUse > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Template is used by one or more projects",
		})
	}

	if err := tc.DB.Delete(&tpl).Error; err != nil {
		LogError("template_delete", err, map[string]interface{}{"template_id": tpl.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete template",
		})
	}
	return c.JSON(fiber.Map{"message": "Template deleted successfully"})
}

// ValidateTemplate dry-runs the CTA injection against the stored markup
// and reports what a send would do, without dispatching anything.
func (tc *TemplateController) ValidateTemplate(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var tpl models.Template
	if err := tc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&tpl).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	unknown := utils.UnknownPlaceholders(tpl.EmailHTML + tpl.LandingHTML)

	preview, err := utils.InjectCTALink(tpl.EmailHTML, &tpl, "https://example.invalid/p/preview-token")
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"valid":                false,
			"error":                err.Error(),
			"unknown_placeholders": unknown,
		})
	}

	return c.JSON(fiber.Map{
		"valid":                len(unknown) == 0,
		"unknown_placeholders": unknown,
		"preview_html":         preview,
	})
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func defaultString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
