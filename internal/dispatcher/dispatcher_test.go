package dispatcher

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
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/retailhub/webhook-engine/internal/config"
	"github.com/retailhub/webhook-engine/internal/delivery"
	"github.com/retailhub/webhook-engine/internal/ledger"
	"github.com/retailhub/webhook-engine/internal/metrics"
	"github.com/retailhub/webhook-engine/internal/models"
	"github.com/retailhub/webhook-engine/internal/registry"
)

type testEngine struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	ledger     *ledger.Ledger
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	// Workers write concurrently; a single connection keeps sqlite from
	// returning SQLITE_BUSY under the test pool.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.WebhookSubscription{},
		&models.WebhookEvent{},
		&models.DeliveryAttempt{},
	))

	log := zap.NewNop()
	reg := registry.New(db, log)
	led := ledger.New(db, log)
	cfg := &config.EngineConfig{
		WorkerCount:         4,
		QueueSize:           16,
		HTTPTimeout:         5 * time.Second,
		RetryDelay:          time.Millisecond,
		MaxResponseBodySize: 1024,
	}
	sender := delivery.NewSender(cfg, log)
	orch := delivery.NewOrchestrator(led, sender, cfg.RetryDelay, log)

	disp := New(cfg, reg, led, orch, log)
	disp.Start()
	t.Cleanup(disp.Stop)

	return &testEngine{dispatcher: disp, registry: reg, ledger: led}
}

// waitForChains polls until every (subscription, event) chain has reached a
// terminal status or the deadline passes.
func (e *testEngine) waitForChains(t *testing.T, eventID uuid.UUID, subIDs []uuid.UUID) map[uuid.UUID][]models.DeliveryAttempt {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	chains := make(map[uuid.UUID][]models.DeliveryAttempt, len(subIDs))
	for {
		settled := 0
		for _, subID := range subIDs {
			attempts, err := e.ledger.ListForPair(context.Background(), subID, eventID)
			require.NoError(t, err)
			chains[subID] = attempts
			if n := len(attempts); n > 0 && attempts[n-1].Status.IsTerminal() {
				settled++
			}
		}
		if settled == len(subIDs) {
			return chains
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery chains did not settle: %v", chains)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTriggerEventRecordsEventOnce(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eventID, err := eng.dispatcher.TriggerEvent(ctx, "inventory.low_stock", []byte(`{"sku":"X"}`), 7)
	require.NoError(t, err)

	event, err := eng.ledger.GetEvent(ctx, eventID)
	require.NoError(t, err)
	require.Equal(t, "inventory.low_stock", event.EventType)
}

func TestTriggerEventValidation(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.dispatcher.TriggerEvent(context.Background(), "", []byte(`{}`), 7)
	require.Error(t, err)
}

func TestTriggerEventNoSubscribers(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	eventID, err := eng.dispatcher.TriggerEvent(ctx, "inventory.low_stock", []byte(`{}`), 7)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, eventID, "the event is recorded even with nobody to deliver to")
}

func TestFanOutIsolation(t *testing.T) {
	okA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okA.Close()
	okB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okB.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	eng := newTestEngine(t)
	ctx := context.Background()

	subA, err := eng.registry.Register(ctx, 7, okA.URL, []string{"inventory.low_stock"})
	require.NoError(t, err)
	subB, err := eng.registry.Register(ctx, 7, okB.URL, []string{"inventory.low_stock"})
	require.NoError(t, err)
	subBroken, err := eng.registry.Register(ctx, 7, broken.URL, []string{"inventory.low_stock"})
	require.NoError(t, err)

	eventID, err := eng.dispatcher.TriggerEvent(ctx, "inventory.low_stock", []byte(`{"sku":"X"}`), 7)
	require.NoError(t, err)

	chains := eng.waitForChains(t, eventID, []uuid.UUID{subA.ID, subB.ID, subBroken.ID})

	// The two healthy subscribers are delivered on the first attempt.
	for _, subID := range []uuid.UUID{subA.ID, subB.ID} {
		attempts := chains[subID]
		require.Len(t, attempts, 1)
		require.Equal(t, models.StatusDelivered, attempts[0].Status)
	}

	// The broken one exhausts its retry budget without affecting the others.
	attempts := chains[subBroken.ID]
	require.Len(t, attempts, delivery.MaxRetryAttempts)
	require.Equal(t, models.StatusFailed, attempts[len(attempts)-1].Status)
}

func TestTriggerEventOnlyMatchingSubscriptions(t *testing.T) {
	hit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hit.Close()

	eng := newTestEngine(t)
	ctx := context.Background()

	matching, err := eng.registry.Register(ctx, 7, hit.URL, []string{"inventory.low_stock"})
	require.NoError(t, err)
	other, err := eng.registry.Register(ctx, 7, hit.URL+"/other", []string{"payment.completed"})
	require.NoError(t, err)

	eventID, err := eng.dispatcher.TriggerEvent(ctx, "inventory.low_stock", []byte(`{}`), 7)
	require.NoError(t, err)

	eng.waitForChains(t, eventID, []uuid.UUID{matching.ID})

	attempts, err := eng.ledger.ListForPair(ctx, other.ID, eventID)
	require.NoError(t, err)
	require.Empty(t, attempts, "non-matching subscriptions receive nothing")
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	var inflight atomic.Int32
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflight.Add(1)
		// Drain the body so the server's background read can detect the
		// client disconnect and cancel r.Context(); otherwise Close hangs.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer blocked.Close()

	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.registry.Register(ctx, 7, blocked.URL, []string{"inventory.low_stock"})
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.TasksDropped)
	for i := 0; i < 8; i++ {
		_, err := eng.dispatcher.TriggerEvent(ctx, "inventory.low_stock", []byte(`{"sku":"X"}`), 7)
		require.NoError(t, err)
	}

	// Wait until every worker is parked inside a delivery, leaving the other
	// four tasks queued when Stop runs.
	deadline := time.Now().Add(10 * time.Second)
	for inflight.Load() < 4 {
		if time.Now().After(deadline) {
			t.Fatal("workers never picked up the blocking deliveries")
		}
		time.Sleep(5 * time.Millisecond)
	}

	eng.dispatcher.Stop()

	require.Zero(t, len(eng.dispatcher.tasks), "Stop must leave the queue empty")
	require.Equal(t, 4.0, testutil.ToFloat64(metrics.TasksDropped)-before,
		"every task abandoned at shutdown is counted")
}

func TestTriggerEventAfterStop(t *testing.T) {
	eng := newTestEngine(t)
	eng.dispatcher.Stop()

	_, err := eng.dispatcher.TriggerEvent(context.Background(), "inventory.low_stock", []byte(`{}`), 7)
	require.ErrorIs(t, err, ErrNotStarted)
}
