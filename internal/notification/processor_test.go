package notification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/calwatch/calwatch/internal/broker"
	"github.com/calwatch/calwatch/internal/database"
	"github.com/calwatch/calwatch/internal/graph"
	"github.com/calwatch/calwatch/internal/signals"
)

const testClientState = "shared-secret"

type processorFixture struct {
	processor *Processor
	store     *database.CredentialStore

	tokenHits int
	fetchHits int
}

// newFixture wires a processor against a single httptest server that plays
// both the token endpoint and the resource provider.
func newFixture(t *testing.T) *processorFixture {
	f := &processorFixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-at","token_type":"Bearer","refresh_token":"rotated-rt","expires_in":3600}`))
	})
	mux.HandleFunc("/me/events/", func(w http.ResponseWriter, r *http.Request) {
		f.fetchHits++
		require.Equal(t, "Bearer fresh-at", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ev-1","subject":"Standup"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "processor_test.db")
	db, err := database.New(database.NewDefaultOptions(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateDatabase())

	f.store, err = database.NewCredentialStore(db)
	require.NoError(t, err)

	conf := &oauth2.Config{
		ClientID: "client-id",
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/authorize",
			TokenURL: srv.URL + "/token",
		},
	}
	brk := broker.New(f.store, conf)
	graphClient := graph.NewClient(srv.URL)

	f.processor = NewProcessor(f.store, brk, graphClient, testClientState, 8)
	return f
}

func (f *processorFixture) seedSubscribedUser(t *testing.T, userID, subscriptionID string) {
	token := &oauth2.Token{
		AccessToken:  "stale-at",
		TokenType:    "Bearer",
		RefreshToken: "old-rt",
		Expiry:       time.Now().Add(-time.Hour),
	}
	blob, err := broker.SerializeCache(broker.Account{ID: userID, Username: userID + "@example.com"}, token)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveTokenCache(userID, blob))
	require.NoError(t, f.store.SetSubscription(context.Background(), userID, subscriptionID, time.Now().Add(24*time.Hour)))
}

func TestProcess(t *testing.T) {
	f := newFixture(t)
	f.seedSubscribedUser(t, "user-a", "sub-1")

	var emitted []signals.EventChangedData
	done := make(chan struct{})
	signals.OnEventChanged(func(ctx context.Context, data signals.EventChangedData) {
		emitted = append(emitted, data)
		close(done)
	}, "processor-test-listener")
	t.Cleanup(func() { signals.RemoveEventChangedListener("processor-test-listener") })

	err := f.processor.process(context.Background(), Notification{
		SubscriptionID: "sub-1",
		ChangeType:     "updated",
		Resource:       "me/events/ev-1",
		ClientState:    testClientState,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.tokenHits)
	assert.Equal(t, 1, f.fetchHits)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event changed signal never fired")
	}
	require.Len(t, emitted, 1)
	assert.Equal(t, "user-a", emitted[0].UserID)
	assert.Equal(t, "updated", emitted[0].ChangeType)
	assert.JSONEq(t, `{"id":"ev-1","subject":"Standup"}`, string(emitted[0].Payload))

	// The rotated refresh token was written back
	rec, err := f.store.GetRecord("user-a")
	require.NoError(t, err)
	assert.Contains(t, string(rec.TokenCache), "rotated-rt")
}

func TestProcess_ClientStateMismatch(t *testing.T) {
	f := newFixture(t)
	f.seedSubscribedUser(t, "user-a", "sub-1")

	err := f.processor.process(context.Background(), Notification{
		SubscriptionID: "sub-1",
		ChangeType:     "updated",
		Resource:       "me/events/ev-1",
		ClientState:    "wrong",
	})
	require.ErrorIs(t, err, ErrInvalidClientState)

	// Dropped before any credential or provider work
	assert.Zero(t, f.tokenHits)
	assert.Zero(t, f.fetchHits)
}

func TestProcess_UnknownSubscription(t *testing.T) {
	f := newFixture(t)

	err := f.processor.process(context.Background(), Notification{
		SubscriptionID: "never-seen",
		ChangeType:     "created",
		Resource:       "me/events/ev-1",
		ClientState:    testClientState,
	})
	require.NoError(t, err)
	assert.Zero(t, f.tokenHits)
	assert.Zero(t, f.fetchHits)
}

func TestProcess_DeletedSkipsFetch(t *testing.T) {
	f := newFixture(t)
	f.seedSubscribedUser(t, "user-a", "sub-1")

	err := f.processor.process(context.Background(), Notification{
		SubscriptionID: "sub-1",
		ChangeType:     "deleted",
		Resource:       "me/events/ev-1",
		ClientState:    testClientState,
	})
	require.NoError(t, err)

	// Deleted resources cannot be hydrated; the credential refresh still
	// happened and the cache was still written back.
	assert.Equal(t, 1, f.tokenHits)
	assert.Zero(t, f.fetchHits)

	rec, err := f.store.GetRecord("user-a")
	require.NoError(t, err)
	assert.Contains(t, string(rec.TokenCache), "rotated-rt")
}

func TestEnqueueFullQueue(t *testing.T) {
	f := newFixture(t)

	// The worker is not started, so the queue fills up
	for i := 0; i < 8; i++ {
		assert.True(t, f.processor.Enqueue(Notification{SubscriptionID: "sub-1"}))
	}
	assert.False(t, f.processor.Enqueue(Notification{SubscriptionID: "sub-1"}))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.seedSubscribedUser(t, "user-a", "sub-1")

	f.processor.Start(context.Background())
	require.True(t, f.processor.Enqueue(Notification{
		SubscriptionID: "sub-1",
		ChangeType:     "updated",
		Resource:       "me/events/ev-1",
		ClientState:    testClientState,
	}))

	// Stop drains in-flight work before returning
	f.processor.Stop()
	assert.Equal(t, 1, f.fetchHits)
}
