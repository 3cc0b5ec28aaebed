package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/calwatch/calwatch/internal/constants"
	"github.com/calwatch/calwatch/internal/logging"
)

// DefaultBaseURL is the production Microsoft Graph endpoint
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

var (
	// ErrSubscriptionNotFound means the provider no longer knows the
	// subscription; it must be re-created, not renewed
	ErrSubscriptionNotFound = errors.New("subscription not found at provider")
	// ErrProviderUnavailable marks transient provider failures that are
	// safe to retry on the next scheduled run
	ErrProviderUnavailable = errors.New("calendar provider unavailable")

	errNotFound = errors.New("not found")
)

// Subscription is a change subscription as reported by the provider
type Subscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ClientState        string    `json:"clientState,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// Client is a thin wrapper over the provider's subscription and resource
// REST endpoints. The base URL is injectable for tests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Graph client. An empty baseURL selects the production
// endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.GetLogger("graph"),
	}
}

// CreateSubscription registers a push subscription for the given resource.
// The provider validates the notification URL synchronously, so the webhook
// listener must already be reachable when this is called.
func (c *Client) CreateSubscription(ctx context.Context, accessToken, resource, notificationURL, clientState string, ttl time.Duration) (*Subscription, error) {
	payload := map[string]string{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    notificationURL,
		"resource":           strings.TrimPrefix(resource, "/"),
		"expirationDateTime": time.Now().Add(ttl).UTC().Format(time.RFC3339),
		"clientState":        clientState,
	}

	var sub Subscription
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/subscriptions", accessToken, payload, &sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	c.logger.Info().
		Str("subscription_id", sub.ID).
		Str("resource", sub.Resource).
		Time("expiration", sub.ExpirationDateTime).
		Msg("Created change subscription")
	return &sub, nil
}

// RenewSubscription extends the expiration of an existing subscription to
// now + ttl and returns the new expiration reported by the provider
func (c *Client) RenewSubscription(ctx context.Context, accessToken, subscriptionID string, ttl time.Duration) (time.Time, error) {
	payload := map[string]string{
		"expirationDateTime": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	}

	var sub Subscription
	err := c.do(ctx, http.MethodPatch, c.baseURL+"/subscriptions/"+subscriptionID, accessToken, payload, &sub)
	if errors.Is(err, errNotFound) {
		// Expired past the grace window or deleted externally; the caller
		// decides whether to re-create.
		return time.Time{}, fmt.Errorf("subscription %s: %w", subscriptionID, ErrSubscriptionNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to renew subscription %s: %w", subscriptionID, err)
	}

	c.logger.Info().
		Str("subscription_id", subscriptionID).
		Time("expiration", sub.ExpirationDateTime).
		Msg("Renewed change subscription")
	return sub.ExpirationDateTime, nil
}

// DeleteSubscription removes a subscription at the provider. Deleting an
// already-gone subscription is not an error.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	err := c.do(ctx, http.MethodDelete, c.baseURL+"/subscriptions/"+subscriptionID, accessToken, nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return fmt.Errorf("failed to delete subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// FetchResource retrieves a resource body by its provider path. Change
// notifications carry only a resource reference, so payload hydration goes
// through here.
func (c *Client) FetchResource(ctx context.Context, accessToken, resourcePath string) (json.RawMessage, error) {
	if !strings.HasPrefix(resourcePath, "/") {
		resourcePath = "/" + resourcePath
	}

	var body json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.baseURL+resourcePath, accessToken, nil, &body); err != nil {
		return nil, fmt.Errorf("failed to fetch resource %s: %w", resourcePath, err)
	}
	return body, nil
}

// do performs a request with auth headers and maps provider status codes to
// the error taxonomy
func (c *Client) do(ctx context.Context, method, url, accessToken string, payload interface{}, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", constants.AppIdentifier)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
