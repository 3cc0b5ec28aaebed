package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calwatch/calwatch/internal/logging"
	"github.com/calwatch/calwatch/internal/notification"
)

func newTestWebhookHandler() (*WebhookHandler, *notification.Processor) {
	// The processor worker is deliberately not started: anything the
	// handler enqueues stays observable in the queue.
	processor := notification.NewProcessor(nil, nil, nil, "shared-secret", 8)
	h := &WebhookHandler{
		BaseHandler: &BaseHandler{logger: logging.GetLogger("test")},
		processor:   processor,
		logger:      logging.GetLogger("test"),
	}
	return h, processor
}

func TestHandleListener_ValidationHandshake(t *testing.T) {
	h, processor := newTestWebhookHandler()

	token := "Validation: token with spaces & specials"
	req := httptest.NewRequest(http.MethodPost, WebhookPath+"?validationToken="+
		"Validation%3A+token+with+spaces+%26+specials", nil)
	rec := httptest.NewRecorder()

	h.handleListener(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	// Echoed verbatim, no JSON wrapping, no trailing newline
	assert.Equal(t, token, rec.Body.String())
	assert.Zero(t, processor.QueueDepth())
}

func TestHandleListener_NotificationBatch(t *testing.T) {
	h, processor := newTestWebhookHandler()

	body := `{"value":[
		{"subscriptionId":"sub-1","changeType":"created","resource":"me/events/ev-1","clientState":"shared-secret"},
		{"subscriptionId":"sub-1","changeType":"deleted","resource":"me/events/ev-2","clientState":"shared-secret"}
	]}`
	req := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.handleListener(rec, req)

	// Acknowledged before any processing happened
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, processor.QueueDepth())
}

func TestHandleListener_MalformedBody(t *testing.T) {
	h, processor := newTestWebhookHandler()

	req := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	h.handleListener(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, processor.QueueDepth())
}

func TestHandleListener_MethodNotAllowed(t *testing.T) {
	h, _ := newTestWebhookHandler()

	req := httptest.NewRequest(http.MethodGet, WebhookPath, nil)
	rec := httptest.NewRecorder()

	h.handleListener(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleListener_EmptyBatch(t *testing.T) {
	h, processor := newTestWebhookHandler()

	req := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(`{"value":[]}`))
	rec := httptest.NewRecorder()

	h.handleListener(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, processor.QueueDepth())
}
