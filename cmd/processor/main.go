package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sikaswift/payment-gateway/internal/config"
	gateway "github.com/sikaswift/payment-gateway/internal/gateways"
	"github.com/sikaswift/payment-gateway/internal/processor"
	"github.com/sikaswift/payment-gateway/internal/queue"
	"github.com/sikaswift/payment-gateway/internal/repository"
	"github.com/sikaswift/payment-gateway/internal/services"
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

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill, os.Interrupt, syscall.SIGTERM)

	gatewayClient, err := gateway.NewClient(&gateway.Config{
		BaseURL:   config.Get().GatewayBaseURL,
		SecretKey: config.Get().GatewaySecretKey,
		Timeout:   config.Get().GatewayTimeout,
		MaxConns:  1000,
	})
	if err != nil {
		logger.Error("failed to create gateway client", "error", err)
		return
	}

	notifier := gateway.NewNotifier(
		config.Get().NotifierBaseURL,
		config.Get().NotifierToken,
		0,
	)

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

	transactionRepo := repository.NewTransactionRepository(db)

	sagaService := services.NewSagaService(transactionRepo, gatewayClient, notifier, payoutQueue, services.SagaConfig{
		DefaultCurrency:       config.Get().DefaultCurrency,
		OtpMaxAttempts:        config.Get().OtpMaxAttempts,
		SettlementInitialWait: config.Get().SettlementInitialWait,
		SettlementMaxWait:     config.Get().SettlementMaxWait,
	})

	// Initialize idempotency service
	idempotencyConfig := processor.DefaultIdempotencyConfig()
	idempotencyService := processor.NewIdempotencyService(redisAdap, idempotencyConfig)

	service, err := processor.NewProcessorService(redisAdap)
	if err != nil {
		logger.Error("failed to run the processor", "error", err)
		return
	}
	service.RegisterProcessor(processor.NewPayoutProcessor(sagaService, idempotencyService))
	service.RegisterExpirer(sagaService)

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

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start processor", "error", err)
		}
	}()

	select {
	case <-c:
		service.Stop()
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
