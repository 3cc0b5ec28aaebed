package handlers

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/calwatch/calwatch/internal/broker"
	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/database"
	"github.com/calwatch/calwatch/internal/graph"
	"github.com/calwatch/calwatch/internal/logging"
)

//go:embed templates/*.html
var templateFS embed.FS

// sessionCookie identifies the signed-in user for the interactive pages.
// The durable artifact the core depends on is the stored credential cache;
// this cookie only scopes the browser session.
const sessionCookie = "calwatch_session"

// BaseHandler contains common handler functionality
type BaseHandler struct {
	tmpl   *template.Template
	Config *config.Config
	Store  *database.CredentialStore
	Broker *broker.Broker
	Graph  *graph.Client
	logger zerolog.Logger
}

// NewBaseHandler creates a common base handler with shared components
func NewBaseHandler(cfg *config.Config, store *database.CredentialStore, brk *broker.Broker, graphClient *graph.Client) (*BaseHandler, error) {
	logger := logging.GetLogger("base-handler")

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to parse templates")
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return &BaseHandler{
		tmpl:   tmpl,
		Config: cfg,
		Store:  store,
		Broker: brk,
		Graph:  graphClient,
		logger: logger,
	}, nil
}

// RenderTemplate renders a template with the given data
func (h *BaseHandler) RenderTemplate(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error().Err(err).Str("template", name).Msg("Failed to execute template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// SessionUser returns the user id bound to the request's session cookie,
// or an empty string when no session exists
func (h *BaseHandler) SessionUser(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetSessionUser binds the interactive session to a user
func (h *BaseHandler) SetSessionUser(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    userID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// RenderError renders the failure page for errors on the synchronous
// sign-in/callback path. Asynchronous failures never reach this; they are
// logged only.
func (h *BaseHandler) RenderError(w http.ResponseWriter, code string) {
	w.WriteHeader(http.StatusInternalServerError)
	h.RenderTemplate(w, "error.html", struct {
		Message string
	}{Message: GetErrorMessage(code)})
}
