package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	controller "phishsim/controllers"
	"phishsim/middleware"
	"phishsim/utils"
)

// SetupRoutes wires the public tracking endpoints and the protected
// admin API onto the app.
func SetupRoutes(app *fiber.App, db *gorm.DB, dispatcher utils.Dispatcher) {
	routeLogger := log.New(os.Stdout, "ROUTES: ", log.Ldate|log.Ltime|log.Lshortfile)

	trackingController := controller.NewTrackingController(utils.NewGormTrackingStore(db))
	projectController := controller.NewProjectController(db, dispatcher)
	targetController := controller.NewTargetController(db)
	templateController := controller.NewTemplateController(db)
	smtpConfigController := controller.NewSMTPConfigController(db, dispatcher)

	// Public funnel endpoints. Reached from recipient mail clients and
	// browsers, so no auth and no CORS; unknown tokens render the same
	// generic 404 as unknown paths.
	app.Get("/p/:token", trackingController.HandleLanding)
	app.Get("/p/:token/open", trackingController.HandleOpen)
	app.Post("/p/:token/submit", trackingController.HandleSubmit)
	app.Get("/t/:trainingToken", trackingController.HandleTrainingPage)

	// Protected admin API. CORS runs before auth so preflights are
	// answered without a token.
	api := app.Group("/api/v1", middleware.CORS(), middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	projects := api.Group("/projects")
	projects.Post("/", projectController.CreateProject)
	projects.Get("/", projectController.GetProjects)
	projects.Get("/:id", projectController.GetProject)
	projects.Put("/:id", projectController.UpdateProject)
	projects.Delete("/:id", projectController.DeleteProject)
	projects.Get("/:id/stats", projectController.GetProjectStats)
	projects.Post("/:id/targets", projectController.AttachTargets)
	projects.Delete("/:id/targets/:targetId", projectController.DetachTarget)
	projects.Put("/:id/training-page", projectController.SetTrainingPage)
	projects.Post("/:id/send", projectController.SendProject)

	targets := api.Group("/targets")
	targets.Post("/", targetController.CreateTarget)
	targets.Get("/", targetController.GetTargets)
	targets.Get("/:id", targetController.GetTarget)
	targets.Patch("/:id", targetController.UpdateTarget)
	targets.Delete("/:id", targetController.DeleteTarget)

	templates := api.Group("/templates")
	templates.Post("/", templateController.CreateTemplate)
	templates.Get("/", templateController.GetTemplates)
	templates.Get("/:id", templateController.GetTemplate)
	templates.Put("/:id", templateController.UpdateTemplate)
	templates.Delete("/:id", templateController.DeleteTemplate)
	templates.Post("/:id/validate", templateController.ValidateTemplate)

	tenants := api.Group("/tenants")
	tenants.Get("/:id/smtp-config", smtpConfigController.GetSMTPConfig)
	tenants.Put("/:id/smtp-config", smtpConfigController.PutSMTPConfig)
	tenants.Post("/:id/smtp-config/test", middleware.TestSendRateLimiter(), smtpConfigController.TestSMTPConfig)

	routeLogger.Println("Routes initialized successfully")
}
