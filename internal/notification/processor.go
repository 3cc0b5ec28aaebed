package notification

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/calwatch/calwatch/internal/broker"
	"github.com/calwatch/calwatch/internal/database"
	"github.com/calwatch/calwatch/internal/graph"
	"github.com/calwatch/calwatch/internal/logging"
	"github.com/calwatch/calwatch/internal/signals"
)

// ErrInvalidClientState marks a notification whose clientState does not
// match the shared secret. Such notifications are dropped without touching
// credentials, and nothing is revealed to the remote caller.
var ErrInvalidClientState = errors.New("notification client state mismatch")

// Notification is a single change entry pushed by the provider. The
// provider sends only a resource reference; the full body is fetched during
// processing.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
}

// Envelope is the webhook POST body wrapping one or more notifications
type Envelope struct {
	Value []Notification `json:"value"`
}

// Processor drains queued notifications on a background worker. The webhook
// handler enqueues and acknowledges immediately; all provider round-trips
// (credential refresh, resource fetch) happen here, decoupled from the
// response deadline.
type Processor struct {
	store       *database.CredentialStore
	broker      *broker.Broker
	graph       *graph.Client
	clientState string

	queue  chan Notification
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewProcessor creates a notification processor with a bounded queue
func NewProcessor(store *database.CredentialStore, brk *broker.Broker, graphClient *graph.Client, clientState string, queueSize int) *Processor {
	return &Processor{
		store:       store,
		broker:      brk,
		graph:       graphClient,
		clientState: clientState,
		queue:       make(chan Notification, queueSize),
		logger:      logging.GetLogger("notification"),
	}
}

// Start launches the worker goroutine. It runs until Stop is called or the
// context is cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				p.logger.Info().Msg("Context cancelled, stopping notification worker")
				return
			case n, ok := <-p.queue:
				if !ok {
					return
				}
				if err := p.process(ctx, n); err != nil {
					// Already acknowledged; failures are operational
					// signals only and leave state unchanged.
					p.logger.Error().Err(err).
						Str("subscription_id", n.SubscriptionID).
						Str("change_type", n.ChangeType).
						Msg("Failed to process notification")
				}
			}
		}
	}()
}

// Stop closes the queue and waits for in-flight processing to finish
func (p *Processor) Stop() {
	close(p.queue)
	p.wg.Wait()
}

// Enqueue hands a notification to the worker without blocking. Returns
// false when the queue is full; the provider retries deliveries, so
// dropping is safe.
func (p *Processor) Enqueue(n Notification) bool {
	select {
	case p.queue <- n:
		return true
	default:
		p.logger.Warn().Str("subscription_id", n.SubscriptionID).Msg("Notification queue full, dropping notification")
		return false
	}
}

// QueueDepth reports how many notifications are waiting for the worker
func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

// process runs the post-acknowledgement pipeline for one notification:
// authenticate, resolve the owner, refresh credentials, hydrate the
// resource, persist the rotated cache.
func (p *Processor) process(ctx context.Context, n Notification) error {
	if subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(p.clientState)) != 1 {
		// Do not log the received value; it may be attacker-controlled.
		p.logger.Warn().Str("subscription_id", n.SubscriptionID).Msg("Dropping notification with mismatched client state")
		return ErrInvalidClientState
	}

	owner, err := p.store.ResolveOwner(n.SubscriptionID)
	if err != nil {
		return err
	}
	if owner == "" {
		// Unknown subscription with a valid client state: likely a stale
		// delivery for a subscription we no longer track. Without an owner
		// there is no credential to authorize a cleanup call, so the
		// provider's own retry/disable path handles it.
		p.logger.Warn().Str("subscription_id", n.SubscriptionID).Msg("No owner for subscription, dropping notification")
		return nil
	}

	unlock := p.broker.LockUser(owner)
	defer unlock()

	accessToken, cache, err := p.broker.RefreshAccessToken(ctx, owner)
	if err != nil {
		return err
	}

	var payload []byte
	var fetchErr error
	if n.ChangeType != "deleted" {
		body, err := p.graph.FetchResource(ctx, accessToken, n.Resource)
		if err != nil {
			fetchErr = err
		} else {
			payload = body
		}
	}

	// The silent refresh above may have rotated the refresh token, so the
	// cache is written back even when the fetch failed.
	if err := p.store.SaveTokenCache(owner, cache); err != nil {
		return err
	}
	if fetchErr != nil {
		return fetchErr
	}

	signals.EmitEventChanged(ctx, signals.EventChangedData{
		UserID:     owner,
		ChangeType: n.ChangeType,
		Resource:   n.Resource,
		Payload:    payload,
	})

	p.logger.Info().
		Str("user_id", owner).
		Str("change_type", n.ChangeType).
		Str("resource", n.Resource).
		Msg("Processed change notification")
	return nil
}
