package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/internal/services"
	xhttp "github.com/sikaswift/payment-gateway/pkg/http"
)

// CommandService is the chat command surface. Every endpoint maps one chat
// command to one session operation; the transport bot renders the returned
// CommandResult as text.
type CommandService interface {
	Register(ctx context.Context, userHandle, account string) (*model.CommandResult, error)
	SetPinStart(ctx context.Context, userHandle string) (*model.CommandResult, error)
	ResetPinStart(ctx context.Context, userHandle string) (*model.CommandResult, error)
	SendMoney(ctx context.Context, userHandle string, amount decimal.Decimal, recipient string) (*model.CommandResult, error)
	RequestQrPayment(ctx context.Context, userHandle, recipient string) (*model.CommandResult, error)
	PinDigits(ctx context.Context, userHandle, digits string) (*model.CommandResult, error)
	Text(ctx context.Context, userHandle, input string) (*model.CommandResult, error)
	ListHistory(ctx context.Context, userHandle string, limit int) ([]*model.Transaction, error)
}

type CommandHandler struct {
	svc CommandService
}

func RegisterCommandRoutes(e *router.Group, h *CommandHandler) {
	e.POST("/commands/register", h.Register)
	e.POST("/commands/setpin", h.SetPin)
	e.POST("/commands/resetpin", h.ResetPin)
	e.POST("/commands/send", h.Send)
	e.POST("/commands/qr", h.RequestQr)
	e.POST("/commands/pin", h.Pin)
	e.POST("/commands/text", h.Text)
	e.GET("/commands/history", h.History)
}

func NewCommandHandler(commandService CommandService) *CommandHandler {
	return &CommandHandler{
		svc: commandService,
	}
}

type commandRequest struct {
	UserHandle string `json:"user_handle"`
	Account    string `json:"account,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Digits     string `json:"digits,omitempty"`
	Text       string `json:"text,omitempty"`
}

type historyResponse struct {
	Items []*model.Transaction `json:"items"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *CommandHandler) Register(ctx *xhttp.RequestCtx) {
	req, ok := readCommand(ctx)
	if !ok {
		return
	}
	if req.Account == "" {
		writeError(ctx, 400, "account is required")
		return
	}
	res, err := h.svc.Register(ctx, req.UserHandle, req.Account)
	writeCommandResult(ctx, res, err)
}

func (h *CommandHandler) SetPin(ctx *xhttp.RequestCtx) {
	req, ok := readCommand(ctx)
	if !ok {
		return
	}
	res, err := h.svc.SetPinStart(ctx, req.UserHandle)
	writeCommandResult(ctx, res, err)
}

func (h *CommandHandler) ResetPin(ctx *xhttp.RequestCtx) {
	req, ok := readCommand(ctx)
	if !ok {
		return
	}
	res, err := h.svc.ResetPinStart(ctx, req.UserHandle)
	writeCommandResult(ctx, res, err)
}

func (h *CommandHandler) Send(ctx *xhttp.RequestCtx) {
	req, ok := readCommand(ctx)
	if !ok {
		return
	}
	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(ctx, 400, "invalid amount: "+req.Amount)
			return
		}
	}
	res, err := h.svc.SendMoney(ctx, req.UserHandle, amount, req.Recipient)
	writeCommandResult(ctx, res, err)
}

func (h *CommandHandler) RequestQr(ctx *xhttp.RequestCtx) {
	req, ok := readCommand(ctx)
	if !ok {
		return
	}
	res, err := h.svc.RequestQrPayment(ctx, req.UserHandle, req.Recipient)
	writeCommandResult(ctx, res, err)
}

func (h *CommandHandler) Pin(ctx *xhttp.RequestCtx) {
	req, ok := readCommand(ctx)
	if !ok {
		return
	}
	res, err := h.svc.PinDigits(ctx, req.UserHandle, req.Digits)
	writeCommandResult(ctx, res, err)
}

func (h *CommandHandler) Text(ctx *xhttp.RequestCtx) {
	req, ok := readCommand(ctx)
	if !ok {
		return
	}
	res, err := h.svc.Text(ctx, req.UserHandle, req.Text)
	writeCommandResult(ctx, res, err)
}

func (h *CommandHandler) History(ctx *xhttp.RequestCtx) {
	userHandle := query(ctx, "user_handle")
	if userHandle == "" {
		writeError(ctx, 400, "user_handle is required")
		return
	}
	limit := 0
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			limit = n
		}
	}
	items, err := h.svc.ListHistory(ctx, userHandle, limit)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, historyResponse{Items: items})
}

func readCommand(ctx *xhttp.RequestCtx) (commandRequest, bool) {
	var req commandRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return req, false
	}
	if req.UserHandle == "" {
		writeError(ctx, 400, "user_handle is required")
		return req, false
	}
	return req, true
}

func writeCommandResult(ctx *xhttp.RequestCtx, res *model.CommandResult, err error) {
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, res)
}
