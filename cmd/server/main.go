package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/retailhub/webhook-engine/internal/config"
	"github.com/retailhub/webhook-engine/internal/consumer"
	"github.com/retailhub/webhook-engine/internal/database"
	"github.com/retailhub/webhook-engine/internal/delivery"
	"github.com/retailhub/webhook-engine/internal/dispatcher"
	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/logger"
	"github.com/retailhub/webhook-engine/internal/metrics"
	"github.com/retailhub/webhook-engine/internal/rabbitmq"
	"github.com/retailhub/webhook-engine/internal/registry"
	"github.com/retailhub/webhook-engine/internal/routes"
	"github.com/retailhub/webhook-engine/internal/service"
)

func main() {
	if err := logger.Init(os.Getenv("LOG_LEVEL")); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()
	log := logger.Logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	metrics.Register()

	db, err := database.Connect(&cfg.Database, log)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, log); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}
	}()

	if cfg.Database.Migrate {
		if err := database.RunMigrations(&cfg.Database, log); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	rmq := rabbitmq.NewConnection(&cfg.RabbitMQ, log)
	if err := rmq.Connect(); err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rmq.Close()

	reg := registry.New(db, log)
	led := ledger.New(db, log)
	sender := delivery.NewSender(&cfg.Engine, log)
	orch := delivery.NewOrchestrator(led, sender, cfg.Engine.RetryDelay, log)

	disp := dispatcher.New(&cfg.Engine, reg, led, orch, log)
	disp.Start()
	defer disp.Stop()

	cons := consumer.New(&cfg.RabbitMQ, rmq, disp, log)
	if err := cons.Start(); err != nil {
		logger.Fatal("Failed to start consumer", zap.Error(err))
	}
	defer func() {
		if err := cons.Stop(); err != nil {
			logger.Error("Error stopping consumer", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      "Webhook Delivery Engine",
		ServerHeader: "Fiber",
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	svc := service.New(db, log, rmq, reg, led, orch, disp)
	routes.SetupRoutes(app, svc)

	go func() {
		addr := cfg.Server.Host + ":" + cfg.Server.Port
		logger.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	if err := app.Shutdown(); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	if err := cons.Stop(); err != nil {
		logger.Error("Error stopping consumer", zap.Error(err))
	}
	disp.Stop()

	logger.Info("Server stopped")
}
