package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/retailhub/webhook-engine/internal/config"
	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/models"
	"github.com/retailhub/webhook-engine/internal/signature"
)

type testEnv struct {
	orch   *Orchestrator
	ledger *ledger.Ledger
	db     *gorm.DB
}

func newTestEnv(t *testing.T, retryDelay time.Duration) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "delivery.db")), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.WebhookSubscription{},
		&models.WebhookEvent{},
		&models.DeliveryAttempt{},
	))

	led := ledger.New(db, zap.NewNop())
	sender := NewSender(&config.EngineConfig{
		HTTPTimeout:         5 * time.Second,
		MaxResponseBodySize: 1024,
	}, zap.NewNop())
	return &testEnv{
		orch:   NewOrchestrator(led, sender, retryDelay, zap.NewNop()),
		ledger: led,
		db:     db,
	}
}

func (e *testEnv) seed(t *testing.T, url, secret string) (*models.WebhookSubscription, *models.WebhookEvent) {
	t.Helper()
	sub := &models.WebhookSubscription{
		ID:       uuid.New(),
		StoreID:  7,
		URL:      url,
		Secret:   secret,
		Events:   []string{"inventory.low_stock"},
		IsActive: true,
	}
	require.NoError(t, e.db.Create(sub).Error)

	event := &models.WebhookEvent{
		ID:        uuid.New(),
		EventType: "inventory.low_stock",
		StoreID:   7,
		Payload:   []byte(`{"sku":"X"}`),
	}
	require.NoError(t, e.db.Create(event).Error)
	return sub, event
}

func statuses(attempts []models.DeliveryAttempt) []models.DeliveryStatus {
	out := make([]models.DeliveryStatus, len(attempts))
	for i, a := range attempts {
		out[i] = a.Status
	}
	return out
}

func TestDeliverFailsTwiceThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t, time.Millisecond)
	sub, event := env.seed(t, srv.URL, "secret")

	out := env.orch.Deliver(context.Background(), sub, event)
	require.True(t, out.Delivered())
	require.Equal(t, 3, out.Attempts)

	attempts, err := env.ledger.ListForPair(context.Background(), sub.ID, event.ID)
	require.NoError(t, err)
	require.Equal(t, []models.DeliveryStatus{
		models.StatusRetrying,
		models.StatusRetrying,
		models.StatusDelivered,
	}, statuses(attempts))
	require.Equal(t, 503, *attempts[0].ResponseCode)
	require.Equal(t, 200, *attempts[2].ResponseCode)
}

func TestDeliverBoundedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, time.Millisecond)
	sub, event := env.seed(t, srv.URL, "secret")

	out := env.orch.Deliver(context.Background(), sub, event)
	require.False(t, out.Delivered())
	require.Equal(t, models.StatusFailed, out.Status)

	attempts, err := env.ledger.ListForPair(context.Background(), sub.ID, event.ID)
	require.NoError(t, err)
	require.Len(t, attempts, MaxRetryAttempts)
	require.Equal(t, []models.DeliveryStatus{
		models.StatusRetrying,
		models.StatusRetrying,
		models.StatusFailed,
	}, statuses(attempts))
	for i, a := range attempts {
		require.Equal(t, i+1, a.Attempt, "attempt numbers must be contiguous from 1")
	}
}

func TestDeliverNetworkError(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	// Nothing listens on this address.
	sub, event := env.seed(t, "http://127.0.0.1:1", "secret")

	out := env.orch.Deliver(context.Background(), sub, event)
	require.Equal(t, models.StatusFailed, out.Status)

	attempts, err := env.ledger.ListForPair(context.Background(), sub.ID, event.ID)
	require.NoError(t, err)
	require.Len(t, attempts, MaxRetryAttempts)
	for _, a := range attempts {
		require.Nil(t, a.ResponseCode)
		require.NotNil(t, a.ErrorSummary)
	}
}

func TestDeliverSendsSignedRequest(t *testing.T) {
	payload := []byte(`{"sku":"X"}`)
	var gotEvent, gotDelivery, gotUA string
	var gotBody []byte
	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		verified = signature.Verify(body, "secret", r.Header.Get("X-Webhook-Signature"))
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotDelivery = r.Header.Get("X-Webhook-Delivery")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t, time.Millisecond)
	sub, event := env.seed(t, srv.URL, "secret")

	out := env.orch.Deliver(context.Background(), sub, event)
	require.True(t, out.Delivered())
	require.Equal(t, payload, gotBody, "body must be the exact signed bytes")
	require.True(t, verified, "payload signature must verify under the subscription secret")
	require.Equal(t, "inventory.low_stock", gotEvent)
	require.Equal(t, out.LastDeliveryID.String(), gotDelivery)
	require.Equal(t, UserAgent, gotUA)
}

func TestDeliverEmptySecretIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("misconfigured subscription must not be called")
	}))
	defer srv.Close()

	env := newTestEnv(t, time.Millisecond)
	sub, event := env.seed(t, srv.URL, "")

	out := env.orch.Deliver(context.Background(), sub, event)
	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, 1, out.Attempts, "configuration errors are never retried")

	attempts, err := env.ledger.ListForPair(context.Background(), sub.ID, event.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, models.StatusFailed, attempts[0].Status)
}

func TestRetryDeliveryContinuesAttemptNumbering(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, time.Millisecond)
	sub, event := env.seed(t, srv.URL, "secret")

	ctx := context.Background()
	out := env.orch.Deliver(ctx, sub, event)
	require.Equal(t, models.StatusFailed, out.Status)

	healthy.Store(true)
	delivered, err := env.orch.RetryDelivery(ctx, out.LastDeliveryID)
	require.NoError(t, err)
	require.True(t, delivered)

	attempts, err := env.ledger.ListForPair(ctx, sub.ID, event.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	require.Equal(t, 4, attempts[3].Attempt, "manual retry continues numbering, not reset to 1")
	require.Equal(t, models.StatusDelivered, attempts[3].Status)
	// The original failed attempt is preserved, not rewritten.
	require.Equal(t, models.StatusFailed, attempts[2].Status)
}

func TestRetryDeliveryNotFound(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	_, err := env.orch.RetryDelivery(context.Background(), uuid.New())
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDeliveredOutcomeRecordedAfterShutdownCancel(t *testing.T) {
	env := newTestEnv(t, time.Millisecond)
	sub, event := env.seed(t, "https://example.com/hooks", "secret")

	deliveryID, err := env.ledger.StartAttempt(context.Background(), sub.ID, event.ID, 1)
	require.NoError(t, err)

	// Shutdown can cancel the run context between the subscriber's 2xx and
	// the ledger write; the delivered outcome must still land.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.orch.recordDelivered(ctx, deliveryID, 200, "HTTP 200")

	attempts, err := env.ledger.ListForPair(context.Background(), sub.ID, event.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, models.StatusDelivered, attempts[0].Status)
	require.Equal(t, 200, *attempts[0].ResponseCode)
}

func TestDeliverCancelledDuringBackoffLeavesNoPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, 30*time.Second) // long backoff so cancellation wins
	sub, event := env.seed(t, srv.URL, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	done := make(chan Outcome, 1)
	go func() { done <- env.orch.Deliver(ctx, sub, event) }()

	select {
	case out := <-done:
		require.Equal(t, models.StatusRetrying, out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not abort on cancellation")
	}

	attempts, err := env.ledger.ListForPair(context.Background(), sub.ID, event.ID)
	require.NoError(t, err)
	require.NotEmpty(t, attempts)
	for _, a := range attempts {
		require.NotEqual(t, models.StatusPending, a.Status, "shutdown must not orphan pending attempts")
	}
}
