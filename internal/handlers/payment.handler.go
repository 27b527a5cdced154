package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/internal/services"
	xhttp "github.com/sikaswift/payment-gateway/pkg/http"
)

type PaymentService interface {
	Initiate(ctx context.Context, req model.InitiateRequest) (*model.Transaction, error)
	SubmitOTP(ctx context.Context, transactionID uuid.UUID, code string) (*model.Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	History(ctx context.Context, senderHandle string, limit int) ([]*model.Transaction, error)
}

type PaymentHandler struct {
	svc PaymentService
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments", h.InitiatePayment)
	e.POST("/payments/{id}/otp", h.SubmitOTP)
	e.GET("/payments/{id}", h.GetPayment)
	e.GET("/payments", h.ListPayments)
}

func NewPaymentHandler(paymentService PaymentService) *PaymentHandler {
	return &PaymentHandler{
		svc: paymentService,
	}
}

type initiatePaymentRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Session   string `json:"session,omitempty"`
}

type submitOTPRequest struct {
	Code string `json:"code"`
}

type paymentListResponse struct {
	Items []*model.Transaction `json:"items"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *PaymentHandler) InitiatePayment(ctx *xhttp.RequestCtx) {
	var req initiatePaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(ctx, 400, "invalid amount: "+req.Amount)
		return
	}

	p := model.InitiateRequest{
		SenderHandle:       req.Sender,
		RecipientHandle:    req.Recipient,
		Amount:             amount,
		Currency:           req.Currency,
		OriginatingSession: req.Session,
	}
	txn, err := h.svc.Initiate(ctx, p)
	if err != nil {
		// A charge rejection still produced a terminal record; return it so
		// the caller sees the FAILED state and reason.
		if errors.Is(err, services.ErrChargeRejected) && txn != nil {
			writeJSON(ctx, 402, txn)
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, txn)
}

func (h *PaymentHandler) SubmitOTP(ctx *xhttp.RequestCtx) {
	id, err := paramUUID(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid transaction id")
		return
	}

	var req submitOTPRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	txn, err := h.svc.SubmitOTP(ctx, id, req.Code)
	switch {
	case err == nil:
		writeJSON(ctx, 200, txn)
	case errors.Is(err, services.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, services.ErrNotAwaitingOtp):
		writeError(ctx, 409, err.Error())
	case errors.Is(err, services.ErrWrongOtp):
		writeJSON(ctx, 422, map[string]any{"error": err.Error(), "transaction": txn})
	default:
		writeError(ctx, 400, err.Error())
	}
}

func (h *PaymentHandler) GetPayment(ctx *xhttp.RequestCtx) {
	id, err := paramUUID(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid transaction id")
		return
	}

	txn, err := h.svc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, txn)
}

func (h *PaymentHandler) ListPayments(ctx *xhttp.RequestCtx) {
	sender := query(ctx, "sender")
	if sender == "" {
		writeError(ctx, 400, "sender is required")
		return
	}

	limit := 0
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			limit = n
		}
	}

	items, err := h.svc.History(ctx, sender, limit)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, paymentListResponse{Items: items})
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func paramUUID(ctx *xhttp.RequestCtx, name string) (uuid.UUID, error) {
	v, _ := ctx.UserValue(name).(string)
	return uuid.Parse(v)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
