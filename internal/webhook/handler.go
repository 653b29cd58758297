// Package webhook receives gateway event deliveries, authenticates them,
// and hands them to the reconciliation engine. The response code is the
// contract with the provider's retry machinery: 2xx acknowledges, 4xx drops
// the delivery, 5xx asks for a redelivery.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/events"
	"paycore/internal/common/middleware"
	"paycore/internal/gateway"
)

// SignatureHeader carries the timestamped HMAC over the raw body.
const SignatureHeader = "Stripe-Signature"

// maxBodyBytes bounds a delivery payload.
const maxBodyBytes = 1 << 20

// defaultDedupeTTL is how long acknowledged event IDs are remembered.
const defaultDedupeTTL = 10 * time.Minute

// EventHandler processes decoded gateway events
type EventHandler interface {
	HandleEvent(ctx context.Context, event *gateway.Event) error
}

// AuditSink receives audit events
type AuditSink interface {
	Publish(ctx context.Context, event *events.Event)
}

// Handler is the webhook ingress endpoint
type Handler struct {
	provider      string
	signingSecret string
	engine        EventHandler
	audit         AuditSink
	dedupe        *dedupeWindow
	logger        *slog.Logger
}

// NewHandler creates a webhook handler for one provider
func NewHandler(provider, signingSecret string, engine EventHandler, audit AuditSink, logger *slog.Logger) *Handler {
	return &Handler{
		provider:      provider,
		signingSecret: signingSecret,
		engine:        engine,
		audit:         audit,
		dedupe:        newDedupeWindow(defaultDedupeTTL),
		logger:        logger,
	}
}

// Routes mounts the webhook endpoint
func (h *Handler) Routes(r chi.Router) {
	r.Post("/payments/webhook/{provider}", h.Receive)
}

// Receive handles one delivery. Signature verification runs against the raw
// body before anything is parsed; an unverified payload never reaches the
// engine.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	provider := chi.URLParam(r, "provider")
	if provider != h.provider {
		api.NotFound(w, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.BadRequest(w, "unreadable payload")
		return
	}

	if err := gateway.VerifySignature(h.signingSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("rejected webhook delivery",
			"provider", provider,
			"reason", err.Error(),
			"remote_addr", r.RemoteAddr,
		)
		if event, eventErr := events.NewEvent(events.TypeSignatureRejected, "webhook", provider, map[string]string{
			"provider": provider,
			"reason":   err.Error(),
		}); eventErr == nil {
			h.audit.Publish(ctx, event.WithCorrelation(middleware.GetCorrelationID(ctx)))
		}
		api.BadRequest(w, "signature verification failed")
		return
	}

	event, err := gateway.ParseEvent(body)
	if err != nil {
		h.logger.Warn("undecodable webhook payload", "provider", provider, "error", err)
		api.BadRequest(w, "malformed event")
		return
	}

	if h.dedupe.Seen(event.ID) {
		h.logger.Debug("duplicate delivery acknowledged", "event_id", event.ID, "type", event.Type)
		api.WriteData(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := h.engine.HandleEvent(ctx, event); err != nil {
		// A processing failure must trigger a redelivery, so the event ID
		// is released from the window.
		h.dedupe.Forget(event.ID)
		h.logger.Error("webhook processing failed",
			"event_id", event.ID,
			"type", event.Type,
			"error", err,
		)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			api.ServiceUnavailable(w, "processing interrupted")
			return
		}
		api.InternalError(w, "event processing failed")
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": "processed"})
}
