package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
)

// AlertType names the condition an alert reports.
type AlertType string

const (
	AlertTypeDeadLetter  AlertType = "DEAD_LETTER"
	AlertTypeReorg       AlertType = "REORG"
	AlertTypeAirdropSpam AlertType = "AIRDROP_SPAM"
	AlertTypeRPCDegraded AlertType = "RPC_DEGRADED"
	AlertTypeRecovery    AlertType = "RECOVERY"

	AlertTypeReconcileMismatch AlertType = "RECONCILE_MISMATCH"
)

// Alert is one notification sent to the configured channels.
type Alert struct {
	Type    AlertType
	Chain   string
	Network string
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter delivers alerts to a channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out to every channel and suppresses repeats of the same
// (type, chain, network) within the cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates an alerter that fans out to alerters with a per-key cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		nowFn:    time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Chain, a.Network)
}

// Send delivers alert to every channel unless its key is cooling down.
// It returns the first channel error.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)
	now := m.nowFn()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed", "channel", alerterName(a), "type", alert.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	default:
		return "unknown"
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

// NewSlackAlerter creates a Slack alerter for webhookURL.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send formats alert as a Slack message and posts it.
func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeReorg:
		emoji = ":rotating_light:"
	case AlertTypeAirdropSpam:
		emoji = ":no_entry:"
	case AlertTypeDeadLetter:
		emoji = ":skull:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s/%s: %s\n%s", emoji, alert.Type, alert.Chain, alert.Network, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, "slack", map[string]string{"text": b.String()})
}

// WebhookAlerter posts the alert as a JSON document.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates an alerter that posts to url.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts alert as JSON.
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, w.client, w.url, "webhook", map[string]any{
		"type":    string(alert.Type),
		"chain":   alert.Chain,
		"network": alert.Network,
		"title":   alert.Title,
		"message": alert.Message,
		"fields":  alert.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func postJSON(ctx context.Context, client *http.Client, url, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter is used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
