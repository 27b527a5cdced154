package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sikaswift/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

// Notifier pushes human-readable progress messages to users over a
// Telegram-shaped bot API. Delivery is best effort; failures are logged
// and never propagate into the payment flow.
type Notifier struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewNotifier(baseURL, token string, timeout time.Duration) *Notifier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		baseURL: baseURL,
		token:   token,
		timeout: timeout,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// Notify sends a message to the given chat handle.
func (n *Notifier) Notify(ctx context.Context, chatHandle, text string) {
	if n.baseURL == "" || n.token == "" {
		logger.Debug("Notifier not configured, dropping message", "chat", chatHandle)
		return
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": chatHandle,
		"text":    text,
	})
	if err != nil {
		logger.Error("Failed to marshal notification", "error", err)
		return
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token))
	req.Header.SetMethod("POST")
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(n.timeout)
	}

	if err := n.client.DoDeadline(req, resp, deadline); err != nil {
		logger.Warn("Notification delivery failed", "chat", chatHandle, "error", err)
		return
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		logger.Warn("Notification rejected", "chat", chatHandle, "status_code", resp.StatusCode())
	}
}
