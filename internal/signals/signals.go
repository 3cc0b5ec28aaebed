package signals

import (
	"context"
	"time"

	"github.com/maniartech/signals"
)

// SubscriptionCreatedData carries details of a newly registered change subscription
type SubscriptionCreatedData struct {
	UserID         string
	SubscriptionID string
	Expiration     time.Time
}

// EventChangedData carries a processed calendar change notification
type EventChangedData struct {
	UserID     string
	ChangeType string
	Resource   string
	Payload    []byte
}

// Signal definitions using generics
var SubscriptionCreated = signals.New[SubscriptionCreatedData]()
var EventChanged = signals.New[EventChangedData]()

// EmitSubscriptionCreated emits a signal after a subscription has been
// registered with the provider and indexed locally
func EmitSubscriptionCreated(ctx context.Context, userID, subscriptionID string, expiration time.Time) {
	SubscriptionCreated.Emit(ctx, SubscriptionCreatedData{
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Expiration:     expiration,
	})
}

// EmitEventChanged emits a signal once a change notification has been
// validated and hydrated
func EmitEventChanged(ctx context.Context, data EventChangedData) {
	EventChanged.Emit(ctx, data)
}

// OnSubscriptionCreated registers a handler for subscription creation events
func OnSubscriptionCreated(handler func(ctx context.Context, data SubscriptionCreatedData), key ...string) {
	if len(key) > 0 {
		SubscriptionCreated.AddListener(handler, key[0])
	} else {
		SubscriptionCreated.AddListener(handler)
	}
}

// OnEventChanged registers a handler for processed calendar changes
func OnEventChanged(handler func(ctx context.Context, data EventChangedData), key ...string) {
	if len(key) > 0 {
		EventChanged.AddListener(handler, key[0])
	} else {
		EventChanged.AddListener(handler)
	}
}

// RemoveEventChangedListener removes a keyed handler
func RemoveEventChangedListener(key string) {
	EventChanged.RemoveListener(key)
}
