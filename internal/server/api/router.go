package api

import (
	"stash/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on the upload endpoint only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	e.GET("/health", handler.HandleHealth)

	// Files
	e.POST("/api/files", handler.HandleUpload, uploadLimiter.Middleware())
	e.GET("/api/files", handler.HandleListFiles)
	e.GET("/api/files/:id", handler.HandleGetFile)
	e.GET("/api/files/:id/download", handler.HandleDownload)
	e.DELETE("/api/files/:id", handler.HandleDeleteFile)

	// Savings ledger
	e.GET("/api/storage-savings", handler.HandleListSavings)
	e.GET("/api/storage-savings/total", handler.HandleTotalSavings)

	return e
}
