package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/calwatch/calwatch/internal/constants"
	"github.com/calwatch/calwatch/internal/logging"
	"github.com/calwatch/calwatch/internal/notification"
)

// WebhookHandler receives provider push notifications. The provider allows
// only a few seconds for the response, so the handler enqueues and
// acknowledges with 202 before any downstream work happens.
type WebhookHandler struct {
	*BaseHandler
	processor *notification.Processor
	logger    zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(baseHandler *BaseHandler, processor *notification.Processor) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		processor:   processor,
		logger:      logging.GetLogger("webhook"),
	}
}

// RegisterRoutes registers the webhook listener route
func (h *WebhookHandler) RegisterRoutes() {
	http.HandleFunc(WebhookPath, h.handleListener)
}

// handleListener processes an inbound webhook call: either a one-time
// endpoint validation handshake or a batch of change notifications
func (h *WebhookHandler) handleListener(w http.ResponseWriter, r *http.Request) {
	// Endpoint validation handshake: echo the token verbatim and do
	// nothing else. This is how the provider proves endpoint ownership
	// before activating a subscription.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		h.logger.Info().Msg("Answering endpoint validation handshake")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := io.WriteString(w, token); err != nil {
			h.logger.Error().Err(err).Msg("Failed to write validation response")
		}
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxNotificationBodySize))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read notification body")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var envelope notification.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.logger.Warn().Err(err).Msg("Malformed notification body")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	// Enqueue only; credential refresh and resource fetches run on the
	// worker after the acknowledgement below.
	for _, n := range envelope.Value {
		h.processor.Enqueue(n)
	}

	h.logger.Info().Int("notification_count", len(envelope.Value)).Msg("Acknowledged notification batch")
	w.WriteHeader(http.StatusAccepted)
}
