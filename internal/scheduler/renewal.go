package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/calwatch/calwatch/internal/broker"
	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/database"
	"github.com/calwatch/calwatch/internal/graph"
	"github.com/calwatch/calwatch/internal/logging"
)

// RenewalScheduler extends every tracked subscription's expiration on a
// fixed cron schedule, using silently refreshed access tokens. Per-user
// failures are isolated; the next scheduled run is the retry.
type RenewalScheduler struct {
	store  *database.CredentialStore
	broker *broker.Broker
	graph  *graph.Client
	ttl    time.Duration

	schedule string
	cron     *cron.Cron
	running  atomic.Bool
	logger   zerolog.Logger
}

// New creates a renewal scheduler from the renewal configuration
func New(store *database.CredentialStore, brk *broker.Broker, graphClient *graph.Client, cfg *config.Config) (*RenewalScheduler, error) {
	loc, err := time.LoadLocation(cfg.Renewal.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid renewal timezone: %w", err)
	}

	return &RenewalScheduler{
		store:    store,
		broker:   brk,
		graph:    graphClient,
		ttl:      cfg.Subscription.TTL(),
		schedule: cfg.Renewal.Schedule,
		cron:     cron.New(cron.WithLocation(loc)),
		logger:   logging.GetLogger("renewal"),
	}, nil
}

// Start registers the cron entry and begins the schedule
func (s *RenewalScheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Renewal run finished with errors")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid renewal schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("Renewal scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running job to complete
func (s *RenewalScheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info().Msg("Renewal scheduler stopped")
}

// RunOnce renews every active subscription whose owner is known. A run
// already in flight makes the call a no-op, so a slow run can never overlap
// the next scheduled one.
func (s *RenewalScheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("Previous renewal run still in progress, skipping")
		return nil
	}
	defer s.running.Store(false)

	records, err := s.store.ListSubscribed()
	if err != nil {
		return fmt.Errorf("failed to list subscribed users: %w", err)
	}
	s.logger.Info().Int("user_count", len(records)).Msg("Starting renewal run")

	var result *multierror.Error
	failed := 0
	for _, rec := range records {
		if err := s.renewUser(ctx, rec); err != nil {
			failed++
			userLogger := s.logger.With().
				Str("user_id", rec.UserID).
				Str("subscription_id", rec.SubscriptionID).
				Logger()
			switch {
			case errors.Is(err, broker.ErrCredentialExpired):
				userLogger.Error().Err(err).Msg("Credential expired, user must re-authorize")
			case errors.Is(err, graph.ErrSubscriptionNotFound):
				// The provider no longer knows the subscription; drop the
				// stale mapping so the user is prompted to reconnect.
				userLogger.Error().Err(err).Msg("Subscription gone at provider, clearing local mapping")
				if clearErr := s.store.ClearSubscription(ctx, rec.UserID); clearErr != nil {
					userLogger.Error().Err(clearErr).Msg("Failed to clear stale subscription")
				}
			default:
				userLogger.Error().Err(err).Msg("Failed to renew subscription")
			}
			result = multierror.Append(result, fmt.Errorf("user %s: %w", rec.UserID, err))
			continue
		}
	}

	s.logger.Info().
		Int("user_count", len(records)).
		Int("failed", failed).
		Msg("Renewal run complete")
	return result.ErrorOrNil()
}

// renewUser refreshes one user's access token, extends the subscription and
// persists the rotated credential cache
func (s *RenewalScheduler) renewUser(ctx context.Context, rec *database.UserRecord) error {
	unlock := s.broker.LockUser(rec.UserID)
	defer unlock()

	accessToken, cache, err := s.broker.RefreshAccessToken(ctx, rec.UserID)
	if err != nil {
		return err
	}

	expiration, renewErr := s.graph.RenewSubscription(ctx, accessToken, rec.SubscriptionID, s.ttl)

	// The refresh succeeded even if the renewal did not; persist the cache
	// so a rotated refresh token is never lost.
	if err := s.store.SaveTokenCache(rec.UserID, cache); err != nil {
		return fmt.Errorf("failed to persist refreshed credential cache: %w", err)
	}
	if renewErr != nil {
		return renewErr
	}

	if err := s.store.SetSubscription(ctx, rec.UserID, rec.SubscriptionID, expiration); err != nil {
		return fmt.Errorf("failed to record renewed expiration: %w", err)
	}

	s.logger.Info().
		Str("user_id", rec.UserID).
		Str("subscription_id", rec.SubscriptionID).
		Time("expiration", expiration).
		Msg("Renewed subscription")
	return nil
}
