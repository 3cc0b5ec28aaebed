package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/database"
	"github.com/calwatch/calwatch/internal/logging"
)

var (
	// ErrNoCredential means the user has no stored credential cache
	ErrNoCredential = errors.New("no credential cache for user")
	// ErrAccountNotFound means the stored cache holds no account matching
	// the user it is filed under
	ErrAccountNotFound = errors.New("account not found in credential cache")
	// ErrCredentialExpired means the refresh token was rejected by the
	// identity provider; the user must re-authorize
	ErrCredentialExpired = errors.New("stored credential expired or revoked")
)

// Account identifies the signed-in user inside a credential cache
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// credentialCache is the serialized form stored per user: the account it
// belongs to and the OAuth token carrying the refresh token.
type credentialCache struct {
	Account Account       `json:"account"`
	Token   *oauth2.Token `json:"token"`
}

// SerializeCache builds the opaque cache blob stored per user
func SerializeCache(account Account, token *oauth2.Token) ([]byte, error) {
	blob, err := json.Marshal(credentialCache{Account: account, Token: token})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential cache: %w", err)
	}
	return blob, nil
}

// Broker silently mints fresh access tokens from stored credential caches.
// It is stateless with respect to the store: RefreshAccessToken returns the
// updated cache and the caller is responsible for persisting it.
type Broker struct {
	store     *database.CredentialStore
	oauthConf *oauth2.Config
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a credential broker backed by the given store
func New(store *database.CredentialStore, oauthConf *oauth2.Config) *Broker {
	return &Broker{
		store:     store,
		oauthConf: oauthConf,
		logger:    logging.GetLogger("broker"),
		locks:     map[string]*sync.Mutex{},
	}
}

// NewOAuthConfig builds the identity-provider OAuth configuration
func NewOAuthConfig(cfg *config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"offline_access",
			"Calendars.Read",
		},
		Endpoint: microsoft.AzureADEndpoint(cfg.TenantID),
	}
}

// LockUser serializes credential writes for one user. Concurrent webhook
// deliveries and the renewal job must hold this lock across the
// refresh-then-persist sequence so a stale cache cannot overwrite a freshly
// rotated refresh token. The returned function releases the lock.
func (b *Broker) LockUser(userID string) func() {
	b.mu.Lock()
	l, ok := b.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[userID] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// RefreshAccessToken loads the user's credential cache, silently acquires a
// fresh access token from the cached refresh material and returns the token
// together with the re-serialized (possibly rotated) cache. No interactive
// prompt is ever triggered; a rejected refresh token surfaces as
// ErrCredentialExpired.
func (b *Broker) RefreshAccessToken(ctx context.Context, userID string) (string, []byte, error) {
	rec, err := b.store.GetRecord(userID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load credential cache: %w", err)
	}
	if rec == nil || len(rec.TokenCache) == 0 {
		return "", nil, fmt.Errorf("user %s: %w", userID, ErrNoCredential)
	}

	var cache credentialCache
	if err := json.Unmarshal(rec.TokenCache, &cache); err != nil {
		return "", nil, fmt.Errorf("failed to deserialize credential cache: %w", err)
	}
	// Defensive: a cache filed under one user must not carry another
	// user's account.
	if cache.Token == nil || cache.Account.ID != userID {
		return "", nil, fmt.Errorf("user %s: %w", userID, ErrAccountNotFound)
	}

	token, err := b.oauthConf.TokenSource(ctx, cache.Token).Token()
	if err != nil {
		if isExpiredCredential(err) {
			b.logger.Warn().Str("user_id", userID).Msg("Refresh token rejected by identity provider")
			return "", nil, fmt.Errorf("user %s: %w", userID, ErrCredentialExpired)
		}
		return "", nil, fmt.Errorf("failed to acquire token silently: %w", err)
	}

	cache.Token = token
	blob, err := json.Marshal(cache)
	if err != nil {
		return "", nil, fmt.Errorf("failed to re-serialize credential cache: %w", err)
	}

	return token.AccessToken, blob, nil
}

// isExpiredCredential reports whether the token endpoint rejected the
// refresh token itself, as opposed to a transient failure
func isExpiredCredential(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.ErrorCode == "invalid_grant" {
		return true
	}
	if retrieveErr.Response == nil {
		return false
	}
	code := retrieveErr.Response.StatusCode
	return code == http.StatusBadRequest || code == http.StatusUnauthorized
}
