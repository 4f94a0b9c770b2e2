package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"

	"github.com/gofiber/fiber/v3"
)

// WebhookHandler verifies and durably enqueues provider webhook events.
// Verification happens inline; all billing effect is deferred to the queue
// worker so the provider gets a fast, honest acknowledgement.
type WebhookHandler struct {
	db     db.Database
	config *config.WebhookConfig
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(database db.Database, cfg *config.WebhookConfig) *WebhookHandler {
	return &WebhookHandler{
		db:     database,
		config: cfg,
	}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/webhooks/:provider", h.HandleWebhook)
}

// webhookEnvelope is the minimal shape every provider event must carry.
type webhookEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// HandleWebhook handles an incoming provider webhook delivery.
//
// The signature is HMAC-SHA256 over the raw request body with the provider's
// shared secret, hex encoded in X-Signature. X-Timestamp (unix seconds) must
// be within the configured skew window. Rejections are 4xx; 500 is reserved
// for our own infrastructure failing, which tells the provider to retry.
func (h *WebhookHandler) HandleWebhook(c fiber.Ctx) error {
	provider := c.Params("provider")
	secret, ok := h.config.Secrets[provider]
	if !ok {
		slog.Warn("webhook for unconfigured provider", "provider", provider)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown provider",
		})
	}

	body := c.Body()

	if err := h.verifyTimestamp(c.Get("X-Timestamp")); err != nil {
		slog.Warn("webhook rejected: bad timestamp", "provider", provider, "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid or stale timestamp",
		})
	}

	if !verifySignature(body, c.Get("X-Signature"), secret) {
		slog.Warn("webhook rejected: signature verification failed", "provider", provider)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid signature",
		})
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("webhook rejected: malformed body", "provider", provider, "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Malformed event body",
		})
	}
	if env.EventID == "" || env.EventType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Event must include event_id and event_type",
		})
	}

	job, enqueued, err := h.db.EnqueueWebhookJob(c.Context(), provider, env.EventID, env.EventType, body)
	if err != nil {
		slog.Error("failed to enqueue webhook job",
			"provider", provider, "event_id", env.EventID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal error",
		})
	}

	if !enqueued {
		slog.Info("duplicate webhook delivery coalesced",
			"provider", provider, "event_id", env.EventID, "job_id", job.ID)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"received":  true,
			"duplicate": true,
		})
	}

	slog.Info("webhook enqueued",
		"provider", provider,
		"event_id", env.EventID,
		"event_type", env.EventType,
		"job_id", job.ID,
	)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received": true,
	})
}

// verifyTimestamp checks that the delivery timestamp is within the skew
// window in either direction.
func (h *WebhookHandler) verifyTimestamp(header string) error {
	ts, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return errors.New("X-Timestamp must be unix seconds")
	}

	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > h.config.TimestampSkew {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

// verifySignature compares the hex-encoded HMAC-SHA256 of the raw body in
// constant time.
func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignPayload computes the hex signature for a payload. Exported so tests and
// provider simulators can craft valid deliveries.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
