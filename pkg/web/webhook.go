package web

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/dmflow/pkg/inbound"
	"github.com/gofiber/fiber/v3"
)

// Ingester stores a verified webhook body.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (int, error)
}

type WebhookHandlers struct {
	ingester    Ingester
	appSecret   string
	verifyToken string
	logger      *slog.Logger
}

func NewWebhookHandlers(logger *slog.Logger, ingester Ingester, appSecret, verifyToken string) *WebhookHandlers {
	return &WebhookHandlers{
		ingester:    ingester,
		appSecret:   appSecret,
		verifyToken: verifyToken,
		logger:      logger.With("module", "webhook"),
	}
}

// Verify answers the subscription handshake by echoing hub.challenge.
func (h *WebhookHandlers) Verify(c fiber.Ctx) error {
	if c.Query("hub.mode") != "subscribe" || h.verifyToken == "" || c.Query("hub.verify_token") != h.verifyToken {
		h.logger.WarnContext(c.Context(), "webhook verification rejected", "mode", c.Query("hub.mode"))

		return forbidden(c, "Verification token mismatch")
	}

	return c.SendString(c.Query("hub.challenge"))
}

// Receive checks the signature over the raw body and stores the delivery. Processing happens
// asynchronously, so the provider gets its acknowledgement as soon as the events are durable.
func (h *WebhookHandlers) Receive(c fiber.Ctx) error {
	body := c.Body()

	if !inbound.VerifySignature(h.appSecret, body, c.Get(inbound.SignatureHeader)) {
		h.logger.WarnContext(c.Context(), "webhook signature rejected", "ip", c.IP())

		return unauthorized(c, "Invalid or missing signature")
	}

	received, err := h.ingester.Ingest(c.Context(), body)
	if errors.Is(err, inbound.ErrMalformedPayload) {
		return badRequest(c, err.Error())
	}

	if err != nil {
		h.logger.ErrorContext(c.Context(), "failed to store webhook delivery", "error", err)

		return internalError(c, err)
	}

	return c.JSON(WebhookAck{Received: received})
}
