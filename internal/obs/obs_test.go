package obs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// stepLogRecorder records step logs; the embedded interface covers the
// Repository methods the dispatcher never calls.
type stepLogRecorder struct {
	domain.Repository
	mu   sync.Mutex
	logs []*domain.StepLog
}

func (r *stepLogRecorder) SaveStepLog(ctx context.Context, tenantID string, log *domain.StepLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *stepLogRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}

func TestNotifierDisabled(t *testing.T) {
	n := NewNotifier(domain.NotifierConfig{})
	if n.Enabled() {
		t.Error("notifier without URL must be disabled")
	}
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Errorf("disabled notifier must be a no-op, got: %v", err)
	}
}

func TestNotifierPostsWebhook(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(domain.NotifierConfig{WebhookURL: srv.URL, TimeoutSeconds: 2})
	if !n.Enabled() {
		t.Fatal("expected notifier to be enabled")
	}

	if err := n.Notify(context.Background(), "backtest complete"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("webhook body is not JSON: %v", err)
	}
	if payload["text"] != "backtest complete" {
		t.Errorf("unexpected webhook payload: %v", payload)
	}
}

func TestNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(domain.NotifierConfig{WebhookURL: srv.URL})
	if err := n.Notify(context.Background(), "x"); err == nil {
		t.Error("expected error for non-2xx webhook status")
	}
}

func TestEmitterAndDispatcher(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo := &stepLogRecorder{}
	notified := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		_ = json.Unmarshal(body, &payload)
		notified <- payload["text"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	dispatcher := NewDispatcher(eventBus, repo, NewNotifier(domain.NotifierConfig{WebhookURL: srv.URL}))
	defer dispatcher.Close()
	if err := dispatcher.Watch(ctx, tenantID); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	// Watch is idempotent.
	if err := dispatcher.Watch(ctx, tenantID); err != nil {
		t.Fatalf("second Watch failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	emitter := NewBusEmitter(eventBus)
	emitter.Step(ctx, tenantID, "exp-001", "backtest/compute", 12, map[string]any{"rows": 5})
	emitter.Completed(ctx, domain.CompletedEvent{
		TenantID:     tenantID,
		ExperimentID: "exp-001",
		DeltaWritten: 42.5,
	})

	select {
	case text := <-notified:
		if text == "" {
			t.Error("expected non-empty notification text")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for completion notification")
	}

	deadline := time.Now().Add(time.Second)
	for repo.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.logs) != 1 {
		t.Fatalf("expected 1 step log, got %d", len(repo.logs))
	}
	if repo.logs[0].Step != "backtest/compute" || repo.logs[0].Ms != 12 {
		t.Errorf("unexpected step log: %+v", repo.logs[0])
	}
	if string(repo.logs[0].Detail) != `{"rows":5}` {
		t.Errorf("unexpected step detail: %s", repo.logs[0].Detail)
	}
}

func TestDispatcherFailureNotification(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	notified := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		_ = json.Unmarshal(body, &payload)
		notified <- payload["text"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	dispatcher := NewDispatcher(eventBus, &stepLogRecorder{}, NewNotifier(domain.NotifierConfig{WebhookURL: srv.URL}))
	defer dispatcher.Close()
	if err := dispatcher.Watch(ctx, "tenant-001"); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	emitter := NewBusEmitter(eventBus)
	emitter.Failed(ctx, domain.FailedEvent{
		TenantID:     "tenant-001",
		ExperimentID: "exp-001",
		Error:        "cohort too large (10001)",
	})

	select {
	case text := <-notified:
		if text == "" {
			t.Error("expected non-empty failure text")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for failure notification")
	}
}
