package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/logging"
)

type capturedEvent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type webhookRecorder struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (w *webhookRecorder) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var ev capturedEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.events = append(w.events, ev)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}
}

func (w *webhookRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func (w *webhookRecorder) last() capturedEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events[len(w.events)-1]
}

func boolPtr(b bool) *bool { return &b }

func newNotifier(t *testing.T, nc config.NotificationsConfig) *Notifier {
	t.Helper()
	log, err := logging.NewLogger(logging.LogLevelDebug, "")
	require.NoError(t, err)
	return New(&config.Config{Notifications: nc}, log)
}

func TestCycleCompleteDelivery(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := newNotifier(t, config.NotificationsConfig{Enabled: true, WebhookURL: srv.URL})
	n.CycleComplete(40, "10.40.40.50", 95*time.Second, []string{"net_scanner", "dns_noise"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := rec.last()
	assert.Equal(t, "Chaos Bot: Cycle Complete", ev.Title)
	assert.Contains(t, ev.Body, "VLAN 40")
	assert.Contains(t, ev.Body, "10.40.40.50")
	assert.Contains(t, ev.Body, "95.0s")
	assert.Contains(t, ev.Body, "net_scanner, dns_noise")
}

func TestCycleErrorDelivery(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := newNotifier(t, config.NotificationsConfig{Enabled: true, WebhookURL: srv.URL})
	n.CycleError(41, "no DHCP offer on eth1.41")

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := rec.last()
	assert.Equal(t, "Chaos Bot: Error", ev.Title)
	assert.Contains(t, ev.Body, "VLAN 41")
	assert.Contains(t, ev.Body, "no DHCP offer")
}

func TestDisabledSendsNothing(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := newNotifier(t, config.NotificationsConfig{Enabled: false, WebhookURL: srv.URL})
	n.CycleComplete(40, "10.40.40.50", time.Minute, nil)
	n.CycleError(40, "boom")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestEventGating(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := newNotifier(t, config.NotificationsConfig{
		Enabled:         true,
		WebhookURL:      srv.URL,
		OnCycleComplete: boolPtr(false),
		OnError:         boolPtr(true),
	})
	n.CycleComplete(40, "10.40.40.50", time.Minute, nil)
	n.CycleError(40, "lease timeout")

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Chaos Bot: Error", rec.last().Title)
}

func TestFailedDeliveryNeverPanics(t *testing.T) {
	n := newNotifier(t, config.NotificationsConfig{Enabled: true, WebhookURL: "http://127.0.0.1:1/nope"})
	n.CycleError(40, "unreachable webhook")
	time.Sleep(100 * time.Millisecond)
}
