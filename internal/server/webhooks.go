package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"stitchflow/internal/config"
	"stitchflow/internal/domain"
	"stitchflow/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the status history ledger and posts each new entry
// to the configured endpoints. Each hook keeps its own cursor, so a slow or
// failing endpoint never stalls the others.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	entries, err := d.engine.Repo.HistoryAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch history failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(eventType(entry)) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.postEntry(ctx, hook, entry); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	// New hooks start at the ledger tail; history predating the process is
	// never replayed.
	cur, err := d.engine.Repo.LatestHistoryID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID             int64   `json:"id"`
	Type           string  `json:"type"`
	CardID         string  `json:"card_id"`
	PreviousStatus string  `json:"previous_status"`
	NewStatus      string  `json:"new_status"`
	UpdatedBy      string  `json:"updated_by"`
	UpdateReason   *string `json:"update_reason,omitempty"`
	TS             string  `json:"ts"`
}

// eventType names a ledger entry for hook filtering, e.g. "card.blocked".
func eventType(entry domain.StatusHistoryEntry) string {
	return "card." + entry.NewStatus
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.StatusHistoryEntry) error {
	body := webhookEvent{
		ID:             entry.ID,
		Type:           eventType(entry),
		CardID:         entry.CardID,
		PreviousStatus: entry.PreviousStatus,
		NewStatus:      entry.NewStatus,
		UpdatedBy:      entry.UpdatedBy,
		UpdateReason:   entry.UpdateReason,
		TS:             entry.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stitchflow-Event", body.Type)
	req.Header.Set("X-Stitchflow-Delivery", fmt.Sprintf("%d", entry.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Stitchflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
