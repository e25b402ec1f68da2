package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"phishsim/config"
	"phishsim/models"
	"phishsim/utils"
)

type ProjectController struct {
	DB         *gorm.DB
	Dispatcher utils.Dispatcher
}

func NewProjectController(db *gorm.DB, dispatcher utils.Dispatcher) *ProjectController {
	return &ProjectController{DB: db, Dispatcher: dispatcher}
}

type createProjectInput struct {
	Name        string     `json:"name" validate:"required,min=2,max=200"`
	Description string     `json:"description"`
	TemplateID  uint       `json:"template_id" validate:"required"`
	Status      string     `json:"status" validate:"omitempty,oneof=draft scheduled test"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
}

// CreateProject creates a campaign in draft state and mints its
// campaign-wide training link token.
func (pc *ProjectController) CreateProject(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var input createProjectInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	var tpl models.Template
	if err := pc.DB.Where("id = ? AND tenant_id = ?", input.TemplateID, tenantID).First(&tpl).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}

	status := input.Status
	if status == "" {
		status = models.ProjectStatusDraft
	}

	trainingToken, err := utils.IssueTrainingLinkToken(pc.DB)
	if err != nil {
		LogError("project_create_token", err, map[string]interface{}{"tenant_id": tenantID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create project",
		})
	}

	project := models.Project{
		TenantID:          tenantID,
		Name:              input.Name,
		Description:       input.Description,
		TemplateID:        input.TemplateID,
		Status:            status,
		StartDate:         input.StartDate,
		EndDate:           input.EndDate,
		TrainingLinkToken: trainingToken,
	}
	if err := pc.DB.Create(&project).Error; err != nil {
		LogError("project_create", err, map[string]interface{}{"tenant_id": tenantID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create project",
		})
	}

	LogEvent("project_created", map[string]interface{}{
		"project_id": project.ID,
		"tenant_id":  tenantID,
	})

	return c.Status(fiber.StatusCreated).JSON(project)
}

// GetProjects returns all campaigns for the tenant
func (pc *ProjectController) GetProjects(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var projects []models.Project
	if err := pc.DB.Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&projects).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch projects",
		})
	}
	return c.JSON(projects)
}

// GetProject returns a single campaign with its recipients
func (pc *ProjectController) GetProject(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Preload("Targets.Target").Preload("TrainingPage").
		Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}
	return c.JSON(project)
}

type updateProjectInput struct {
	Name        *string    `json:"name" validate:"omitempty,min=2,max=200"`
	Description *string    `json:"description"`
	Status      *string    `json:"status" validate:"omitempty,oneof=draft scheduled running completed test"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
}

// UpdateProject patches campaign metadata and lifecycle state.
func (pc *ProjectController) UpdateProject(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	var input updateProjectInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = *input.Name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if input.Status != nil {
		updates["status"] = *input.Status
	}
	if input.StartDate != nil {
		updates["start_date"] = *input.StartDate
	}
	if input.EndDate != nil {
		updates["end_date"] = *input.EndDate
	}
	if len(updates) == 0 {
		return c.JSON(project)
	}

	if err := pc.DB.Model(&project).Updates(updates).Error; err != nil {
		LogError("project_update", err, map[string]interface{}{"project_id": project.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update project",
		})
	}
	return c.JSON(project)
}

// DeleteProject removes a campaign together with its recipient links
// and training page.
func (pc *ProjectController) DeleteProject(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	err := pc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", project.ID).Delete(&models.ProjectTarget{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", project.ID).Delete(&models.TrainingPage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&project).Error
	})
	if err != nil {
		LogError("project_delete", err, map[string]interface{}{"project_id": project.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete project",
		})
	}

	return c.JSON(fiber.Map{"message": "Project deleted successfully"})
}

// GetProjectStats returns the campaign funnel counters with derived
// rates. Counters come straight from the denormalized columns.
func (pc *ProjectController) GetProjectStats(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	rate := func(n int) float64 {
		if project.TargetCount == 0 {
			return 0
		}
		return float64(n) / float64(project.TargetCount) * 100
	}

	return c.JSON(fiber.Map{
		"project_id":   project.ID,
		"status":       project.Status,
		"target_count": project.TargetCount,
		"open_count":   project.OpenCount,
		"click_count":  project.ClickCount,
		"submit_count": project.SubmitCount,
		"open_rate":    rate(project.OpenCount),
		"click_rate":   rate(project.ClickCount),
		"submit_rate":  rate(project.SubmitCount),
	})
}

type attachTargetsInput struct {
	TargetIDs []uint `json:"target_ids" validate:"required,min=1"`
	AsTest    bool   `json:"as_test"`
}

// AttachTargets links recipients to a campaign, minting one tracking
// token per link. Already-attached recipients are skipped, not errors.
func (pc *ProjectController) AttachTargets(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	var input attachTargetsInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	status := models.TargetStatusSent
	if input.AsTest || project.Status == models.ProjectStatusTest {
		status = models.TargetStatusTest
	}

	attached := 0
	skipped := 0
	err := pc.DB.Transaction(func(tx *gorm.DB) error {
		for _, targetID := range input.TargetIDs {
			var target models.Target
			if err := tx.Where("id = ? AND tenant_id = ?", targetID, tenantID).
				First(&target).Error; err != nil {
				return fmt.Errorf("target %d not found", targetID)
			}

			var existing models.ProjectTarget
			err := tx.Where("project_id = ? AND target_id = ?", project.ID, targetID).
				First(&existing).Error
			if err == nil {
				skipped++
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			token, err := utils.IssueTrackingToken(tx)
			if err != nil {
				return err
			}
			if err := tx.Create(&models.ProjectTarget{
				ProjectID:     project.ID,
				TargetID:      targetID,
				TrackingToken: token,
				Status:        status,
			}).Error; err != nil {
				return err
			}
			attached++
		}

		if attached > 0 {
			return tx.Model(&models.Project{}).
				Where("id = ?", project.ID).
				Update("target_count", gorm.Expr("target_count + ?", attached)).Error
		}
		return nil
	})
	if err != nil {
		LogError("project_attach_targets", err, map[string]interface{}{"project_id": project.ID})
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"attached": attached,
		"skipped":  skipped,
	})
}

// DetachTarget unlinks a recipient and reverses its contribution to the
// campaign counters in the same transaction.
func (pc *ProjectController) DetachTarget(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	err := pc.DB.Transaction(func(tx *gorm.DB) error {
		var pt models.ProjectTarget
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("project_id = ? AND target_id = ?", project.ID, c.Params("targetId")).
			First(&pt).Error; err != nil {
			return err
		}
		if err := utils.ReverseFunnelContribution(tx, &pt); err != nil {
			return err
		}
		return tx.Delete(&pt).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Target is not attached to this project",
			})
		}
		LogError("project_detach_target", err, map[string]interface{}{"project_id": project.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to detach target",
		})
	}

	return c.JSON(fiber.Map{"message": "Target detached successfully"})
}

type trainingPageInput struct {
	HTML     string `json:"html" validate:"required"`
	IsActive *bool  `json:"is_active"`
}

// SetTrainingPage creates or replaces the campaign's training page.
func (pc *ProjectController) SetTrainingPage(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	var input trainingPageInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if errs := utils.ValidateStruct(input); errs != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": errs.Error()})
	}

	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	var page models.TrainingPage
	err := pc.DB.Where("project_id = ?", project.ID).First(&page).Error
	switch {
	case err == nil:
		page.HTML = input.HTML
		page.IsActive = active
		err = pc.DB.Save(&page).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		page = models.TrainingPage{ProjectID: project.ID, HTML: input.HTML, IsActive: active}
		err = pc.DB.Create(&page).Error
	}
	if err != nil {
		LogError("project_training_page", err, map[string]interface{}{"project_id": project.ID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save training page",
		})
	}

	return c.JSON(page)
}

// renderCampaignMail builds one recipient's mail body from the pristine
// stored template: CTA rewritten to the landing URL, placeholders
// resolved, open pixel appended. The pixel points at the open endpoint,
// not the landing page, so an image-prefetching mail client registers an
// open and never a click.
func renderCampaignMail(tpl *models.Template, project *models.Project, pt *models.ProjectTarget, baseURL string) (string, error) {
	trackingURL := fmt.Sprintf("%s/p/%s", baseURL, pt.TrackingToken)
	pixelURL := fmt.Sprintf("%s/p/%s/open", baseURL, pt.TrackingToken)

	html, err := utils.InjectCTALink(tpl.EmailHTML, tpl, trackingURL)
	if err != nil {
		return "", err
	}
	html = utils.SubstitutePlaceholders(html, utils.PlaceholderValues{
		TrackingURL: trackingURL,
		TrainingURL: fmt.Sprintf("%s/t/%s", baseURL, project.TrainingLinkToken),
		SubmitURL:   fmt.Sprintf("%s/p/%s/submit", baseURL, pt.TrackingToken),
		TargetName:  pt.Target.FullName,
		TargetEmail: pt.Target.Email,
		PixelHTML:   utils.TrackingPixelHTML(pixelURL),
	})
	return utils.AppendTrackingPixel(html, pixelURL), nil
}

// sendOutcomeUpdates returns the per-recipient bookkeeping columns for
// one dispatch outcome. Failures record the error and leave sent_at
// untouched so a re-run picks the recipient up again.
func sendOutcomeUpdates(result *utils.DeliveryResult, sendErr error, now time.Time) map[string]interface{} {
	if sendErr != nil {
		return map[string]interface{}{"send_error": sendErr.Error()}
	}
	return map[string]interface{}{
		"sent_at":    now,
		"message_id": result.MessageID,
		"send_error": "",
	}
}

// SendProject dispatches the campaign mail to every recipient that has
// not been sent to yet. The template is rendered per recipient from the
// pristine stored markup, so re-running a partially failed send never
// double-injects and never re-sends to recipients that already went out.
func (pc *ProjectController) SendProject(c *fiber.Ctx) error {
	tenantID := c.Locals("tenantID").(uint)

	var project models.Project
	if err := pc.DB.Where("id = ? AND tenant_id = ?", c.Params("id"), tenantID).
		First(&project).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	var tpl models.Template
	if err := pc.DB.First(&tpl, project.TemplateID).Error; err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "Project has no usable template",
		})
	}

	if unknown := utils.UnknownPlaceholders(tpl.EmailHTML); len(unknown) > 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":        "Template contains unknown placeholders",
			"placeholders": unknown,
		})
	}

	var smtpCfg models.SMTPConfig
	if err := pc.DB.Where("tenant_id = ? AND is_active = ?", tenantID, true).
		First(&smtpCfg).Error; err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "No active SMTP configuration for this tenant",
		})
	}

	var pending []models.ProjectTarget
	if err := pc.DB.Preload("Target").
		Where("project_id = ? AND sent_at IS NULL", project.ID).
		Find(&pending).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load recipients",
		})
	}
	if len(pending) == 0 {
		return c.JSON(fiber.Map{"message": "No pending recipients", "sent": 0, "failed": 0})
	}

	baseURL := config.AppConfig.BaseURL
	sent := 0
	failed := 0
	for i := range pending {
		pt := &pending[i]

		html, err := renderCampaignMail(&tpl, &project, pt, baseURL)
		if err != nil {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		result, err := pc.Dispatcher.Dispatch(c.UserContext(), &smtpCfg, utils.OutboundMessage{
			To:       pt.Target.Email,
			ToName:   pt.Target.FullName,
			Subject:  tpl.Subject,
			HTMLBody: html,
		})
		if err != nil {
			failed++
			LogError("project_send_recipient", err, map[string]interface{}{
				"project_id": project.ID,
				"target_id":  pt.TargetID,
			})
		} else {
			sent++
		}

		updates := sendOutcomeUpdates(result, err, time.Now().UTC())
		if err := pc.DB.Model(&models.ProjectTarget{}).
			Where("id = ?", pt.ID).
			Updates(updates).Error; err != nil {
			LogError("project_send_bookkeeping", err, map[string]interface{}{
				"project_id": project.ID,
				"target_id":  pt.TargetID,
			})
		}
	}

	if sent > 0 && project.Status != models.ProjectStatusTest {
		updates := map[string]interface{}{"status": models.ProjectStatusRunning}
		if project.StartDate == nil {
			now := time.Now().UTC()
			updates["start_date"] = &now
		}
		pc.DB.Model(&project).Updates(updates)
	}

	LogEvent("project_sent", map[string]interface{}{
		"project_id": project.ID,
		"sent":       sent,
		"failed":     failed,
	})

	return c.JSON(fiber.Map{
		"message": "Dispatch finished",
		"sent":    sent,
		"failed":  failed,
	})
}
