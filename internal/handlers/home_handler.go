package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/calwatch/calwatch/internal/logging"
)

// HomeHandler serves the status page and the signed-in calendar view
type HomeHandler struct {
	*BaseHandler
	logger zerolog.Logger
}

// NewHomeHandler creates a new home handler
func NewHomeHandler(baseHandler *BaseHandler) *HomeHandler {
	return &HomeHandler{
		BaseHandler: baseHandler,
		logger:      logging.GetLogger("home"),
	}
}

// RegisterRoutes registers the home routes
func (h *HomeHandler) RegisterRoutes() {
	http.HandleFunc("/", h.handleHome)
	http.HandleFunc("/calendar", h.handleCalendar)
}

// handleHome shows the sign-in page with the current auth status
func (h *HomeHandler) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := struct {
		IsAuthenticated bool
		HasSubscription bool
	}{}

	if userID := h.SessionUser(r); userID != "" {
		rec, err := h.Store.GetRecord(userID)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to load user record for home page")
		} else if rec != nil {
			data.IsAuthenticated = true
			data.HasSubscription = rec.HasSubscription()
		}
	}

	h.RenderTemplate(w, "home.html", data)
}

// handleCalendar returns the signed-in user's upcoming events as JSON
func (h *HomeHandler) handleCalendar(w http.ResponseWriter, r *http.Request) {
	userID := h.SessionUser(r)
	if userID == "" {
		http.Error(w, GetErrorMessage(ErrCodeNotAuthenticated), http.StatusUnauthorized)
		return
	}
	logger := h.logger.With().Str("user_id", userID).Logger()

	unlock := h.Broker.LockUser(userID)
	defer unlock()

	accessToken, cache, err := h.Broker.RefreshAccessToken(r.Context(), userID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to refresh access token for calendar view")
		http.Error(w, GetErrorMessage(ErrCodeNotAuthenticated), http.StatusUnauthorized)
		return
	}

	events, err := h.Graph.FetchResource(r.Context(), accessToken, h.Config.Subscription.Resource)

	// Persist the cache even when the fetch failed; the refresh may have
	// rotated the refresh token.
	if saveErr := h.Store.SaveTokenCache(userID, cache); saveErr != nil {
		logger.Error().Err(saveErr).Msg("Failed to persist refreshed credential cache")
	}

	if err != nil {
		logger.Error().Err(err).Msg("Failed to fetch calendar events")
		http.Error(w, "Failed to fetch calendar events", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(events); err != nil {
		logger.Error().Err(err).Msg("Failed to write calendar response")
	}
}
