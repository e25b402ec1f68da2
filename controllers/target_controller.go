package controller

import (
	"strings"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"phishsim/models"
	"phishsim/utils"
)

type TargetController struct {
	DB *gorm.DB
}

func NewTargetController(db *gorm.DB) *TargetController {
	return &TargetController{DB: db}
}

type createTargetInput struct {
	Email      string `json:"email" validate:"required,email"`
	FullName   string `json:"full_name" validate:"max=200"`
	Department string `json:"department" validate:"max=200"`
}

// CreateTarget registers a recipient for the tenant. Duplicate emails
// within a tenant are rejected.
func (tc *TargetController) CreateTarget(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var input createTargetInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if err := checkmail.ValidateFormat(email); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid email address",
		})
	}

	var count int64
	dup := tc.DB.Model(&models.Target{}).
		Where("tenant_id = ? AND email = ?", tenantID, email)
	if err := dup.Count(&count).Error; err == nil && count > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "A target with this email already exists",
		})
	}

	target := models.Target{
		TenantID:   tenantID,
		Email:      email,
		FullName:   strings.TrimSpace(input.FullName),
		Department: strings.TrimSpace(input.Department),
	}
	if err := tc.DB.Create(&target).Error; err != nil {
		LogError("target_create", err, map[string]interface{}{"tenant_id": tenantID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create target",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(target)
}

// GetTargets returns all recipients for the tenant, optionally filtered
// by department.
func (tc *TargetController) GetTargets(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	query := tc.DB.Where("tenant_id = ?", tenantID)
	if dept := c.Query("department"); dept != "" {
		query = query.Where("department = ?", dept)
	}

	var targets []models.Target
	if err := query.Order("email").Find(&targets).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch targets",
		})
	}
	return c.JSON(targets)
}

// GetTarget returns a single recipient
func (tc *TargetController) GetTarget(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var target models.Target
	if err := tc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&target).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Target not found",
		})
	}
	return c.JSON(target)
}

type updateTargetInput struct {
	Email      *string `json:"email" validate:"omitempty,email"`
	FullName   *string `json:"full_name" validate:"omitempty,max=200"`
	Department *string `json:"department" validate:"omitempty,max=200"`
}

// UpdateTarget patches a recipient's fields.
func (tc *TargetController) UpdateTarget(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var target models.Target
	if err := tc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&target).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Target not found",
		})
	}

	var input updateTargetInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	updates := map[string]interface{}{}
	if input.Email != nil {
		updates["email"] = strings.ToLower(strings.TrimSpace(*input.Email))
	}
	if input.FullName != nil {
		updates["full_name"] = strings.TrimSpace(*input.FullName)
	}
	if input.Department != nil {
		updates["department"] = strings.TrimSpace(*input.Department)
	}
	if len(updates) == 0 {
		return c.JSON(target)
	}

	if err := tc.DB.Model(&target).Updates(updates).Error; err != nil {
		LogError("target_update", err, map[string]interface{}{"target_id": target.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update target",
		})
	}
	return c.JSON(target)
}

// DeleteTarget removes a recipient. Attached campaign links must be
// detached first so the campaign counters stay balanced.
func (tc *TargetController) DeleteTarget(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var target models.Target
	if err := tc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&target).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Target not found",
		})
	}

	var attached int64
	tc.DB.Model(&models.ProjectTarget{}).Where("target_id = ?", target.ID).Count(&attached)
	if attached > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Target is attached to one or more projects",
		})
	}

	if err := tc.DB.Delete(&target).Error; err != nil {
		LogError("target_delete", err, map[string]interface{}{"target_id": target.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete target",
		})
	}
	return c.JSON(fiber.Map{"message": "Target deleted successfully"})
}
