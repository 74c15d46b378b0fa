// Package notify delivers cycle summaries to a webhook endpoint.
// Delivery is asynchronous and best-effort: a failed notification is
// logged and never affects orchestrator state.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/logging"
)

// Notifier posts {title, body} events to an Apprise-style webhook.
type Notifier struct {
	enabled bool
	url     string
	onCycle bool
	onError bool
	client  *http.Client
	log     *logging.Logger
}

// New builds a notifier from config.
func New(cfg *config.Config, log *logging.Logger) *Notifier {
	nc := cfg.Notifications
	onCycle := nc.OnCycleComplete == nil || *nc.OnCycleComplete
	onError := nc.OnError == nil || *nc.OnError
	return &Notifier{
		enabled: nc.Enabled && nc.WebhookURL != "",
		url:     nc.WebhookURL,
		onCycle: onCycle,
		onError: onError,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// CycleComplete reports a finished cycle.
func (n *Notifier) CycleComplete(vlanID int, ip string, duration time.Duration, moduleNames []string) {
	if !n.onCycle {
		return
	}
	body := fmt.Sprintf("VLAN %d | IP %s | %.1fs\nModules: %s",
		vlanID, ip, duration.Seconds(), strings.Join(moduleNames, ", "))
	n.send("Chaos Bot: Cycle Complete", body)
}

// CycleError reports a cycle-level failure.
func (n *Notifier) CycleError(vlanID int, message string) {
	if !n.onError {
		return
	}
	n.send("Chaos Bot: Error", fmt.Sprintf("VLAN %d: %s", vlanID, message))
}

func (n *Notifier) send(title, body string) {
	if !n.enabled {
		return
	}
	payload, err := json.Marshal(map[string]string{"title": title, "body": body})
	if err != nil {
		return
	}
	go func() {
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			n.log.Warn(logging.F{Module: "notifier"}, "notification failed: %v", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			n.log.Warn(logging.F{Module: "notifier"}, "webhook returned %d", resp.StatusCode)
		}
	}()
}
