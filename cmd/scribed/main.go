// scribed: realtime session bridge for clinical documentation.
// Accepts clinician WebSocket connections and relays audio/transcription
// to the upstream realtime speech+language API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/carebridge/scribe/internal/config"
	"github.com/carebridge/scribe/internal/log"
	"github.com/carebridge/scribe/pkg/bridge"
)

var version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel)
	log.Info("starting scribed", "version", version, "port", cfg.Port)

	if cfg.OpenAIAPIKey == "" {
		// Not fatal: sessions still work, start_suggestions reports the
		// missing credential per request.
		log.Warn("SCRIBE_OPENAI_API_KEY not set, suggestions will be unavailable")
	}

	app := fiber.New(fiber.Config{
		AppName:               "scribed",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))

	br := bridge.New(bridge.Options{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.RealtimeModel,
		IdleTimeout: cfg.IdleTimeout,
	})

	br.RegisterRoutes(app)
	br.RegisterAPIRoutes(app.Group("/api"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"version":  version,
			"sessions": br.Registry().Len(),
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.StartReaper(ctx)

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	cancel()
	br.CloseAll()
	if err := app.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
