package main

import (
	"log"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"phishsim/config"
	"phishsim/routes"
	"phishsim/utils"
)

func main() {
	logger := log.New(os.Stdout, "PHISHSIM: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Rotation runs against the already-migrated database and exits
	// without serving anything.
	if len(os.Args) > 1 && os.Args[1] == "rotate-secret" {
		runSecretRotation(logger)
		return
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
	}

	// Create Fiber app
	app := fiber.New()

	dispatcher := utils.NewSMTPDispatcher()

	// Setup routes
	routes.SetupRoutes(app, config.DB, dispatcher)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

// runSecretRotation re-encrypts every stored SMTP credential from
// OLD_SECRET_KEY to the current APP_SECRET_KEY in one transaction. Any
// credential that fails to decrypt aborts the whole run, leaving the
// table untouched.
func runSecretRotation(logger *log.Logger) {
	oldSecret := os.Getenv("OLD_SECRET_KEY")
	if oldSecret == "" {
		logger.Fatal("OLD_SECRET_KEY must be set for rotation")
	}
	newSecret := config.AppConfig.SecretKey
	if newSecret == "" {
		newSecret = utils.DevFallbackSecret
	}

	if err := utils.RotateEncryptionSecret(config.DB, oldSecret, newSecret); err != nil {
		logger.Fatalf("Secret rotation failed, no records were changed: %v", err)
	}
	logger.Println("✅ Stored credentials re-encrypted with the new secret")
}
