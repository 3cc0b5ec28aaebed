package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/calwatch/calwatch/internal/broker"
	"github.com/calwatch/calwatch/internal/logging"
	"github.com/calwatch/calwatch/internal/signals"
)

const stateCookie = "calwatch_oauth_state"

// WebhookPath is where the provider delivers change notifications
const WebhookPath = "/webhook/listener"

// OAuthHandler manages the interactive sign-in flow: the authorization
// redirect, the code exchange, credential storage and the initial
// subscription creation
type OAuthHandler struct {
	*BaseHandler
	oauthConf *oauth2.Config
	logger    zerolog.Logger
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(baseHandler *BaseHandler, oauthConf *oauth2.Config) *OAuthHandler {
	return &OAuthHandler{
		BaseHandler: baseHandler,
		oauthConf:   oauthConf,
		logger:      logging.GetLogger("oauth"),
	}
}

// RegisterRoutes registers the OAuth routes
func (h *OAuthHandler) RegisterRoutes() {
	http.HandleFunc("/auth/signin", h.handleSignIn)
	http.HandleFunc("/auth/callback", h.handleCallback)
}

// handleSignIn redirects to the identity provider's authorization page
func (h *OAuthHandler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	url := h.oauthConf.AuthCodeURL(state)
	h.logger.Debug().Msg("Redirecting to identity provider")
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// handleCallback processes the authorization callback: exchanges the code,
// stores the credential cache and registers the change subscription. This
// is the synchronous path, so failures surface as an error page.
func (h *OAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		h.logger.Warn().Msg("OAuth state mismatch on callback")
		h.RenderError(w, ErrCodeInvalidState)
		return
	}

	code := r.URL.Query().Get("code")
	token, err := h.oauthConf.Exchange(ctx, code)
	if err != nil {
		h.logger.Error().Err(err).Msg("Token exchange failed")
		h.RenderError(w, ErrCodeExchangeFailed)
		return
	}

	account, err := h.lookupAccount(ctx, token.AccessToken)
	if err != nil {
		h.logger.Error().Err(err).Msg("Account lookup failed")
		h.RenderError(w, ErrCodeAccountLookup)
		return
	}
	logger := h.logger.With().Str("user_id", account.ID).Logger()

	cache, err := broker.SerializeCache(account, token)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to serialize credential cache")
		h.RenderError(w, ErrCodeCredentialSave)
		return
	}
	if err := h.Store.SaveTokenCache(account.ID, cache); err != nil {
		logger.Error().Err(err).Msg("Failed to store credential cache")
		h.RenderError(w, ErrCodeCredentialSave)
		return
	}
	logger.Info().Msg("Stored credential cache for user")

	sub, err := h.Graph.CreateSubscription(ctx,
		token.AccessToken,
		h.Config.Subscription.Resource,
		h.Config.App.PublicURL+WebhookPath,
		h.Config.OAuth.ClientState,
		h.Config.Subscription.TTL(),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create change subscription")
		h.RenderError(w, ErrCodeSubscribeFailed)
		return
	}

	if err := h.Store.SetSubscription(ctx, account.ID, sub.ID, sub.ExpirationDateTime); err != nil {
		logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to index subscription")
		// Best effort: drop the provider-side subscription we cannot track.
		if delErr := h.Graph.DeleteSubscription(ctx, token.AccessToken, sub.ID); delErr != nil {
			logger.Warn().Err(delErr).Str("subscription_id", sub.ID).Msg("Failed to delete untracked subscription")
		}
		h.RenderError(w, ErrCodeSubscribeFailed)
		return
	}

	signals.EmitSubscriptionCreated(ctx, account.ID, sub.ID, sub.ExpirationDateTime)
	logger.Info().Str("subscription_id", sub.ID).Time("expiration", sub.ExpirationDateTime).Msg("Change subscription active")

	h.SetSessionUser(w, account.ID)
	h.RenderTemplate(w, "success.html", struct {
		Username   string
		Expiration string
	}{
		Username:   account.Username,
		Expiration: sub.ExpirationDateTime.Format(time.RFC1123),
	})
}

// lookupAccount resolves the signed-in user's stable identifier from the
// provider's profile endpoint
func (h *OAuthHandler) lookupAccount(ctx context.Context, accessToken string) (broker.Account, error) {
	body, err := h.Graph.FetchResource(ctx, accessToken, "/me")
	if err != nil {
		return broker.Account{}, err
	}

	var profile struct {
		ID                string `json:"id"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return broker.Account{}, fmt.Errorf("failed to decode profile: %w", err)
	}
	if profile.ID == "" {
		return broker.Account{}, fmt.Errorf("profile response carries no account id")
	}

	return broker.Account{ID: profile.ID, Username: profile.UserPrincipalName}, nil
}
