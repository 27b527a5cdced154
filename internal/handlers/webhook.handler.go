package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fasthttp/router"
	"github.com/sikaswift/payment-gateway/internal/services"
	"github.com/sikaswift/payment-gateway/internal/webhook"
	xhttp "github.com/sikaswift/payment-gateway/pkg/http"
	"github.com/sikaswift/payment-gateway/pkg/logger"
	"github.com/sikaswift/payment-gateway/pkg/prom"
)

// DebitConfirmer consumes verified charge confirmations.
type DebitConfirmer interface {
	OnDebitConfirmed(ctx context.Context, chargeReference string) error
}

type WebhookHandler struct {
	svc    DebitConfirmer
	secret []byte
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhooks/gateway", h.HandleGatewayEvent)
}

func NewWebhookHandler(svc DebitConfirmer, secret string) *WebhookHandler {
	return &WebhookHandler{
		svc:    svc,
		secret: []byte(secret),
	}
}

type gatewayEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

const eventChargeSuccess = "charge.success"

// HandleGatewayEvent ingests payment gateway callbacks. The signature is
// checked against the raw body before anything is parsed; an unverified
// request never touches transaction state.
func (h *WebhookHandler) HandleGatewayEvent(ctx *xhttp.RequestCtx) {
	body := ctx.PostBody()
	signature := string(ctx.Request.Header.Peek(webhook.SignatureHeader))

	if !webhook.Verify(h.secret, body, signature) {
		prom.IncWebhookRejected()
		logger.Warn("webhook rejected: bad or missing signature",
			"remote_addr", ctx.RemoteAddr().String())
		writeError(ctx, 401, "invalid signature")
		return
	}

	var event gatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	if event.Event != eventChargeSuccess {
		// Not an event we act on; acknowledge so the gateway stops retrying.
		logger.Debug("webhook ignored", "event", event.Event)
		writeJSON(ctx, 200, map[string]string{"status": "ignored"})
		return
	}

	if event.Data.Reference == "" {
		writeError(ctx, 400, "missing charge reference")
		return
	}

	err := h.svc.OnDebitConfirmed(ctx, event.Data.Reference)
	switch {
	case err == nil:
		writeJSON(ctx, 200, map[string]string{"status": "ok"})
	case errors.Is(err, services.ErrNotFound):
		// Reference we never issued. Log and acknowledge; retrying will
		// never make it ours.
		logger.Warn("webhook for unknown charge reference",
			"reference", event.Data.Reference)
		writeJSON(ctx, 200, map[string]string{"status": "dropped"})
	default:
		// Transient failure (lock contention, DB down). 5xx so the
		// gateway redelivers.
		logger.Error("webhook processing failed",
			"reference", event.Data.Reference, "error", err)
		writeError(ctx, 500, "processing failed")
	}
}
