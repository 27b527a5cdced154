package main

import (
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sikaswift/payment-gateway/internal/config"
	gateway "github.com/sikaswift/payment-gateway/internal/gateways"
	"github.com/sikaswift/payment-gateway/internal/handlers"
	"github.com/sikaswift/payment-gateway/internal/queue"
	"github.com/sikaswift/payment-gateway/internal/repository"
	"github.com/sikaswift/payment-gateway/internal/services"
	xhttp "github.com/sikaswift/payment-gateway/pkg/http"
	"github.com/sikaswift/payment-gateway/pkg/logger"
	"github.com/sikaswift/payment-gateway/pkg/pg"
	"github.com/sikaswift/payment-gateway/pkg/prom"
	"github.com/sikaswift/payment-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	payoutQueue, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	gatewayClient, err := gateway.NewClient(&gateway.Config{
		BaseURL:   config.Get().GatewayBaseURL,
		SecretKey: config.Get().GatewaySecretKey,
		Timeout:   config.Get().GatewayTimeout,
	})
	if err != nil {
		logger.Error("failed creating gateway client", "error", err)
		return
	}

	notifier := gateway.NewNotifier(
		config.Get().NotifierBaseURL,
		config.Get().NotifierToken,
		0,
	)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	metricsAddr := config.Get().AppDebugMetricsAddr
	if metricsAddr == "" {
		metricsAddr = ":9101"
	}
	metricsURI := config.Get().AppDebugMetricsURI
	if metricsURI == "" {
		metricsURI = "/metrics"
	}
	go func() {
		prom.ListenAndServer(metricsAddr, metricsURI)
	}()

	transactionRepo := repository.NewTransactionRepository(db)
	sessionRepo := repository.NewSessionRepository(db)

	// services
	sagaService := services.NewSagaService(transactionRepo, gatewayClient, notifier, payoutQueue, services.SagaConfig{
		DefaultCurrency:       config.Get().DefaultCurrency,
		OtpMaxAttempts:        config.Get().OtpMaxAttempts,
		SettlementInitialWait: config.Get().SettlementInitialWait,
		SettlementMaxWait:     config.Get().SettlementMaxWait,
	})
	sessionService := services.NewSessionService(sessionRepo, sagaService)
	healthService := services.NewHealthService()

	// v1 handlers
	paymentHandler := handlers.NewPaymentHandler(sagaService)
	commandHandler := handlers.NewCommandHandler(sessionService)
	webhookHandler := handlers.NewWebhookHandler(sagaService, config.Get().WebhookSecret)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterCommandRoutes(g, commandHandler)
	handlers.RegisterWebhookRoutes(g, webhookHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	// Create new server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
