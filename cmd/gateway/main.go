package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChargeStatus represents the state of a mobile-money charge
type ChargeStatus string

const (
	StatusSuccess ChargeStatus = "success"
	StatusSendOTP ChargeStatus = "send_otp"
	StatusPending ChargeStatus = "pending"
	StatusFailed  ChargeStatus = "failed"
)

// ChargeRequest represents a mobile-money collection request
type ChargeRequest struct {
	Email       string `json:"email"`
	Amount      int64  `json:"amount" binding:"required"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference" binding:"required"`
	MobileMoney struct {
		Phone    string `json:"phone" binding:"required"`
		Provider string `json:"provider"`
	} `json:"mobile_money" binding:"required"`
}

// SubmitOTPRequest represents an OTP confirmation for a pending charge
type SubmitOTPRequest struct {
	OTP       string `json:"otp" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecipientRequest represents a transfer recipient registration
type RecipientRequest struct {
	Type          string `json:"type"`
	Name          string `json:"name" binding:"required"`
	AccountNumber string `json:"account_number" binding:"required"`
	BankCode      string `json:"bank_code" binding:"required"`
	Currency      string `json:"currency"`
}

// TransferRequest represents a payout to a registered recipient
type TransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Reason    string `json:"reason"`
}

// RefundRequest represents a refund of a settled charge
type RefundRequest struct {
	Transaction string `json:"transaction" binding:"required"`
}

// charge is the in-memory record of one collection attempt
type charge struct {
	Reference string
	Phone     string
	Amount    int64
	Status    ChargeStatus
	CreatedAt time.Time
}

// MockGateway simulates a mobile-money payment gateway. Charges succeed or
// fail by configured rate, Vodafone wallets demand an OTP voucher, and
// confirmed debits are reported back over a signed webhook after a delay.
type MockGateway struct {
	mu            sync.Mutex
	charges       map[string]*charge
	successRate   float64
	settleDelay   time.Duration
	webhookURL    string
	webhookSecret string
	webhookDelay  time.Duration
	gatewayID     string
	rng           *rand.Rand
}

// NewMockGateway creates a new mock gateway instance
func NewMockGateway(successRate float64, settleDelay, webhookDelay time.Duration, webhookURL, webhookSecret string) *MockGateway {
	return &MockGateway{
		charges:       make(map[string]*charge),
		successRate:   successRate,
		settleDelay:   settleDelay,
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
		webhookDelay:  webhookDelay,
		gatewayID:     "MOCK_GATEWAY_" + uuid.New().String()[:8],
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockGateway) shouldSucceed() bool {
	return m.rng.Float64() < m.successRate
}

// requiresOTP reports whether the wallet needs voucher confirmation.
// Vodafone wallets (020/050) always do.
func requiresOTP(phone string) bool {
	if len(phone) < 3 {
		return false
	}
	prefix := phone[:3]
	return prefix == "020" || prefix == "050"
}

// scheduleWebhook delivers a signed charge.success event after the
// configured delay, mimicking asynchronous debit confirmation.
func (m *MockGateway) scheduleWebhook(reference string) {
	if m.webhookURL == "" {
		return
	}
	go func() {
		time.Sleep(m.webhookDelay)

		payload, _ := json.Marshal(map[string]any{
			"event": "charge.success",
			"data": map[string]any{
				"reference": reference,
				"status":    "success",
			},
		})

		mac := hmac.New(sha512.New, []byte(m.webhookSecret))
		mac.Write(payload)
		signature := hex.EncodeToString(mac.Sum(nil))

		req, err := http.NewRequest(http.MethodPost, m.webhookURL, bytes.NewReader(payload))
		if err != nil {
			log.Error().Err(err).Msg("Failed to build webhook request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Gateway-Signature", signature)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Error().Err(err).Str("reference", reference).Msg("Webhook delivery failed")
			return
		}
		defer resp.Body.Close()

		log.Info().
			Str("reference", reference).
			Int("status", resp.StatusCode).
			Msg("Webhook delivered")
	}()
}

// Handler struct holds the mock gateway and routes
type Handler struct {
	gateway *MockGateway
}

func NewHandler(gateway *MockGateway) *Handler {
	return &Handler{gateway: gateway}
}

func envelope(c *gin.Context, code int, status bool, message string, data any) {
	c.JSON(code, gin.H{
		"status":  status,
		"message": message,
		"data":    data,
	})
}

// Charge handles mobile-money collection requests
func (h *Handler) Charge(c *gin.Context) {
	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope(c, http.StatusBadRequest, false, "Invalid request: "+err.Error(), nil)
		return
	}

	log.Info().
		Str("reference", req.Reference).
		Str("phone", req.MobileMoney.Phone).
		Int64("amount", req.Amount).
		Msg("Received charge request")

	g := h.gateway
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.charges[req.Reference]; exists {
		envelope(c, http.StatusBadRequest, false, "Duplicate transaction reference", nil)
		return
	}

	ch := &charge{
		Reference: req.Reference,
		Phone:     req.MobileMoney.Phone,
		Amount:    req.Amount,
		CreatedAt: time.Now(),
	}

	if !g.shouldSucceed() {
		ch.Status = StatusFailed
		g.charges[req.Reference] = ch
		envelope(c, http.StatusOK, true, "Charge attempted", gin.H{
			"reference": req.Reference,
			"status":    StatusFailed,
		})
		return
	}

	if requiresOTP(req.MobileMoney.Phone) {
		ch.Status = StatusSendOTP
		g.charges[req.Reference] = ch
		envelope(c, http.StatusOK, true, "Charge attempted", gin.H{
			"reference":    req.Reference,
			"status":       StatusSendOTP,
			"display_text": "Please enter the voucher code sent to your phone",
		})
		return
	}

	ch.Status = StatusPending
	g.charges[req.Reference] = ch
	g.scheduleWebhook(req.Reference)

	envelope(c, http.StatusOK, true, "Charge attempted", gin.H{
		"reference":    req.Reference,
		"status":       StatusPending,
		"display_text": "Approve the debit prompt on your phone",
	})
}

// SubmitOTP handles voucher confirmation for a pending charge
func (h *Handler) SubmitOTP(c *gin.Context) {
	var req SubmitOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope(c, http.StatusBadRequest, false, "Invalid request: "+err.Error(), nil)
		return
	}

	g := h.gateway
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.charges[req.Reference]
	if !ok {
		envelope(c, http.StatusNotFound, false, "Transaction reference not found", nil)
		return
	}
	if ch.Status != StatusSendOTP {
		envelope(c, http.StatusBadRequest, false, "Transaction is not awaiting OTP", nil)
		return
	}

	// Any six digits pass except the all-zeros voucher, which lets
	// integration setups exercise the rejection path deterministically.
	if len(req.OTP) != 6 || req.OTP == "000000" {
		envelope(c, http.StatusBadRequest, false, "Invalid OTP", nil)
		return
	}

	ch.Status = StatusSuccess
	g.scheduleWebhook(req.Reference)

	log.Info().Str("reference", req.Reference).Msg("OTP accepted")
	envelope(c, http.StatusOK, true, "Charge complete", gin.H{
		"reference": req.Reference,
		"status":    StatusSuccess,
	})
}

// CreateRecipient handles transfer recipient registration
func (h *Handler) CreateRecipient(c *gin.Context) {
	var req RecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope(c, http.StatusBadRequest, false, "Invalid request: "+err.Error(), nil)
		return
	}

	g := h.gateway
	g.mu.Lock()
	// Within the settle window after the newest debit the ledger has not
	// caught up yet and recipient creation is refused.
	var newest time.Time
	for _, ch := range g.charges {
		if ch.Status == StatusSuccess || ch.Status == StatusPending {
			if ch.CreatedAt.After(newest) {
				newest = ch.CreatedAt
			}
		}
	}
	g.mu.Unlock()

	if !newest.IsZero() && time.Since(newest) < g.settleDelay {
		envelope(c, http.StatusBadRequest, false, "Transaction is still settling", nil)
		return
	}

	code := "RCP_" + uuid.New().String()[:12]
	log.Info().
		Str("recipient_code", code).
		Str("account", req.AccountNumber).
		Msg("Recipient created")

	envelope(c, http.StatusCreated, true, "Transfer recipient created successfully", gin.H{
		"recipient_code": code,
		"type":           req.Type,
		"name":           req.Name,
	})
}

// Transfer handles payout requests
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope(c, http.StatusBadRequest, false, "Invalid request: "+err.Error(), nil)
		return
	}

	if !h.gateway.shouldSucceed() {
		envelope(c, http.StatusBadRequest, false, "Transfer failed: insufficient balance", nil)
		return
	}

	code := "TRF_" + uuid.New().String()[:12]
	log.Info().
		Str("transfer_code", code).
		Str("recipient", req.Recipient).
		Int64("amount", req.Amount).
		Msg("Transfer queued")

	envelope(c, http.StatusOK, true, "Transfer has been queued", gin.H{
		"transfer_code": code,
		"status":        "success",
	})
}

// Refund handles refund requests for settled charges
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope(c, http.StatusBadRequest, false, "Invalid request: "+err.Error(), nil)
		return
	}

	g := h.gateway
	g.mu.Lock()
	_, ok := g.charges[req.Transaction]
	g.mu.Unlock()

	if !ok {
		envelope(c, http.StatusNotFound, false, "Transaction reference not found", nil)
		return
	}

	log.Info().Str("reference", req.Transaction).Msg("Refund accepted")
	envelope(c, http.StatusOK, true, "Refund has been queued", gin.H{
		"transaction": req.Transaction,
		"status":      "pending",
	})
}

// ResolveAccount handles account name lookups
func (h *Handler) ResolveAccount(c *gin.Context) {
	accountNumber := c.Query("account_number")
	if accountNumber == "" {
		envelope(c, http.StatusBadRequest, false, "account_number is required", nil)
		return
	}

	suffix := accountNumber
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	envelope(c, http.StatusOK, true, "Account number resolved", gin.H{
		"account_number": accountNumber,
		"account_name":   "MOCK USER " + suffix,
	})
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"gateway_id":   h.gateway.gatewayID,
		"timestamp":    time.Now(),
		"success_rate": h.gateway.successRate,
	})
}

// UpdateConfig allows changing gateway behavior at runtime
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		SuccessRate *float64 `json:"success_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		envelope(c, http.StatusBadRequest, false, "Invalid request: "+err.Error(), nil)
		return
	}

	if config.SuccessRate != nil {
		if *config.SuccessRate >= 0 && *config.SuccessRate <= 1.0 {
			h.gateway.successRate = *config.SuccessRate
			log.Info().Float64("rate", *config.SuccessRate).Msg("Updated success rate")
		}
	}

	envelope(c, http.StatusOK, true, "Configuration updated", gin.H{
		"success_rate": h.gateway.successRate,
	})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	// Add request logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	router.POST("/charge", handler.Charge)
	router.POST("/charge/submit_otp", handler.SubmitOTP)
	router.POST("/transferrecipient", handler.CreateRecipient)
	router.POST("/transfer", handler.Transfer)
	router.POST("/refund", handler.Refund)
	router.GET("/bank/resolve", handler.ResolveAccount)
	router.PUT("/config", handler.UpdateConfig)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8081")
	successRate := getEnvFloat("SUCCESS_RATE", 1)
	settleDelay := getEnvDuration("SETTLE_DELAY", 2*time.Second)
	webhookDelay := getEnvDuration("WEBHOOK_DELAY", 1*time.Second)
	webhookURL := getEnv("WEBHOOK_URL", "")
	webhookSecret := getEnv("WEBHOOK_SECRET", "")

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Dur("settle_delay", settleDelay).
		Dur("webhook_delay", webhookDelay).
		Str("webhook_url", webhookURL).
		Msg("Starting Mock Payment Gateway")

	// Create mock gateway
	gateway := NewMockGateway(successRate, settleDelay, webhookDelay, webhookURL, webhookSecret)
	handler := NewHandler(gateway)
	router := SetupRouter(handler)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
