package constants

import "time"

// AppIdentifier is used as the user agent and to tag resources created by calwatch
const AppIdentifier = "calwatch"

// DefaultSubscriptionTTL is the expiration window requested when creating or
// renewing a change subscription. 24 hours is the maximum most calendar
// change subscriptions allow.
const DefaultSubscriptionTTL = 24 * time.Hour

// NotificationQueueSize bounds the number of webhook notifications waiting
// for the background processor. The provider retries deliveries, so dropping
// on overflow is safe.
const NotificationQueueSize = 64

// MaxNotificationBodySize limits how much of a webhook POST body is read
const MaxNotificationBodySize = 1 << 20
