package service

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/retailhub/webhook-engine/internal/delivery"
	"github.com/retailhub/webhook-engine/internal/dispatcher"
	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/rabbitmq"
	"github.com/retailhub/webhook-engine/internal/registry"
)

// Service holds the application dependencies handed to the HTTP layer.
type Service struct {
	DB           *gorm.DB
	Logger       *zap.Logger
	RMQ          *rabbitmq.Connection
	Registry     *registry.Registry
	Ledger       *ledger.Ledger
	Orchestrator *delivery.Orchestrator
	Dispatcher   *dispatcher.Dispatcher
}

func New(db *gorm.DB, logger *zap.Logger, rmq *rabbitmq.Connection, reg *registry.Registry, led *ledger.Ledger, orch *delivery.Orchestrator, disp *dispatcher.Dispatcher) *Service {
	return &Service{
		DB:           db,
		Logger:       logger,
		RMQ:          rmq,
		Registry:     reg,
		Ledger:       led,
		Orchestrator: orch,
		Dispatcher:   disp,
	}
}
