package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UserRecord is the durable state kept per authenticated user: the
// serialized credential cache and the currently active change subscription,
// if any.
type UserRecord struct {
	UserID                string
	TokenCache            []byte
	SubscriptionID        string
	SubscriptionExpiresAt time.Time
}

// HasSubscription reports whether the record has an active subscription
func (r *UserRecord) HasSubscription() bool {
	return r.SubscriptionID != ""
}

// CredentialStore handles per-user credential caches and the
// subscription-to-user index in SQLite. Subscription writes update the
// record and the index in a single transaction so the two can never
// diverge.
type CredentialStore struct {
	db *DB
}

// NewCredentialStore creates a new credential store
func NewCredentialStore(db *DB) (*CredentialStore, error) {
	return &CredentialStore{db: db}, nil
}

// SaveTokenCache stores the serialized credential cache for a user. The
// write is an idempotent overwrite; the previous cache is replaced entirely.
func (s *CredentialStore) SaveTokenCache(userID string, cache []byte) error {
	_, err := s.db.Conn().Exec(`
INSERT INTO user_credentials (user_id, token_cache, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(user_id) DO UPDATE SET
    token_cache = excluded.token_cache,
    updated_at = CURRENT_TIMESTAMP`, userID, cache)
	if err != nil {
		return fmt.Errorf("failed to save token cache: %w", err)
	}
	return nil
}

// GetRecord retrieves the record for a user. Returns nil if the user has
// never authorized.
func (s *CredentialStore) GetRecord(userID string) (*UserRecord, error) {
	var (
		rec       UserRecord
		subID     sql.NullString
		expiresAt sql.NullString
	)
	err := s.db.Conn().QueryRow(`
SELECT user_id, token_cache, subscription_id, subscription_expires_at
FROM user_credentials WHERE user_id = ?`, userID).
		Scan(&rec.UserID, &rec.TokenCache, &subID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve user record: %w", err)
	}

	rec.SubscriptionID = subID.String
	if expiresAt.Valid && expiresAt.String != "" {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse subscription expiration: %w", err)
		}
		rec.SubscriptionExpiresAt = t
	}
	return &rec, nil
}

// SetSubscription records a newly created or renewed subscription for a
// user and updates the reverse index. Any previous subscription for the
// same user is dropped from the index.
func (s *CredentialStore) SetSubscription(ctx context.Context, userID, subscriptionID string, expiresAt time.Time) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
UPDATE user_credentials
SET subscription_id = ?, subscription_expires_at = ?, updated_at = CURRENT_TIMESTAMP
WHERE user_id = ?`, subscriptionID, expiresAt.UTC().Format(time.RFC3339), userID)
		if err != nil {
			return fmt.Errorf("failed to update subscription on user record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check subscription update: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("no credential record for user %s", userID)
		}

		if _, err := tx.Exec(`DELETE FROM subscription_index WHERE user_id = ? AND subscription_id != ?`,
			userID, subscriptionID); err != nil {
			return fmt.Errorf("failed to drop stale index entries: %w", err)
		}

		if _, err := tx.Exec(`
INSERT INTO subscription_index (subscription_id, user_id)
VALUES (?, ?)
ON CONFLICT(subscription_id) DO UPDATE SET user_id = excluded.user_id`,
			subscriptionID, userID); err != nil {
			return fmt.Errorf("failed to index subscription: %w", err)
		}
		return nil
	})
}

// ClearSubscription removes a user's active subscription and its index entry
func (s *CredentialStore) ClearSubscription(ctx context.Context, userID string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
UPDATE user_credentials
SET subscription_id = NULL, subscription_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to clear subscription on user record: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM subscription_index WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to clear subscription index: %w", err)
		}
		return nil
	})
}

// ResolveOwner maps a provider-issued subscription id back to the owning
// user. Returns an empty string when the subscription is unknown.
func (s *CredentialStore) ResolveOwner(subscriptionID string) (string, error) {
	var userID string
	err := s.db.Conn().QueryRow(`
SELECT user_id FROM subscription_index WHERE subscription_id = ?`, subscriptionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve subscription owner: %w", err)
	}
	return userID, nil
}

// ListSubscribed returns all users holding an active subscription
func (s *CredentialStore) ListSubscribed() ([]*UserRecord, error) {
	rows, err := s.db.Conn().Query(`
SELECT user_id, token_cache, subscription_id, subscription_expires_at
FROM user_credentials
WHERE subscription_id IS NOT NULL AND subscription_id != ''
ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed users: %w", err)
	}
	defer rows.Close()

	var records []*UserRecord
	for rows.Next() {
		var (
			rec       UserRecord
			subID     sql.NullString
			expiresAt sql.NullString
		)
		if err := rows.Scan(&rec.UserID, &rec.TokenCache, &subID, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan user record: %w", err)
		}
		rec.SubscriptionID = subID.String
		if expiresAt.Valid && expiresAt.String != "" {
			t, err := time.Parse(time.RFC3339, expiresAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse subscription expiration: %w", err)
			}
			rec.SubscriptionExpiresAt = t
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user records: %w", err)
	}
	return records, nil
}
