package bootstrap

import (
	ingesthttp "papergraph/adapter/in/http"
	"papergraph/config"
	"papergraph/infra/middleware"
	"papergraph/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// NewAPI builds the HTTP server: health endpoints without auth, the
// rest behind JWT. The returned cleanup closes every connection the
// dependency graph opened.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler,
		DisableStartupMessage: !cfg.IsDevelopment(),

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		BodyLimit:       10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// Health check (no auth required)
	healthHandler := ingesthttp.NewHealthHandler(deps.SQLDB, deps.Redis, deps.Producer)
	healthHandler.Register(app)

	// API routes behind JWT
	api := app.Group("/api", middleware.JWTAuth(cfg.JWTSecret))

	ingesthttp.NewCredentialHandler(deps.CredentialService).Register(api)
	ingesthttp.NewSyncHandler(deps.UserRepo, deps.Producer).Register(api)
	ingesthttp.NewMessageHandler(deps.QualificationService).Register(api)
	ingesthttp.NewDocumentHandler(deps.ExtractionService, deps.Producer).Register(api)
	ingesthttp.NewInsightHandler(deps.InsightService).Register(api)

	logger.Info("api server initialized")

	return app, cleanup, nil
}
