package event

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/riskgate/riskgate/internal/store"
)

const (
	maxAttempts        = 3
	attemptTimeout     = 10 * time.Second
	disableAfter       = 10
	defaultMaxInFlight = 16
)

// Dispatcher delivers events to registered webhooks and the dashboard hub.
// Webhook delivery runs in the background on a bounded worker pool and never
// surfaces errors to the request that produced the event; failures count
// against the webhook and eventually disable it.
type Dispatcher struct {
	store     store.Store
	hub       *Hub
	client    *http.Client
	logger    *slog.Logger
	userAgent string

	sem chan struct{}
	wg  sync.WaitGroup

	now func() time.Time
	// backoff is the sleep between attempts; swapped out in tests.
	backoff func(attempt int)

	// OnDelivery, when set, observes each terminal delivery outcome.
	// Set before the first Emit.
	OnDelivery func(success bool)
}

// NewDispatcher creates a Dispatcher. hub may be nil when no live feed is
// wanted.
func NewDispatcher(st store.Store, hub *Hub, userAgent string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     st,
		hub:       hub,
		client:    &http.Client{Timeout: attemptTimeout},
		logger:    logger.With("component", "event.Dispatcher"),
		userAgent: userAgent,
		sem:       make(chan struct{}, defaultMaxInFlight),
		now:       time.Now,
		backoff: func(attempt int) {
			time.Sleep(time.Duration(1<<attempt) * time.Second)
		},
	}
}

// Emit pushes one event to the live feed and schedules webhook deliveries.
// It returns immediately; the caller's request is never held up by a slow
// endpoint.
func (d *Dispatcher) Emit(event string, data map[string]any) {
	if d.hub != nil {
		d.hub.Broadcast(event, data)
	}

	// Webhook lookup and delivery run detached from the request context.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.fanOut(context.Background(), event, data)
	}()
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) fanOut(ctx context.Context, event string, data map[string]any) {
	hooks, err := d.store.ListWebhooks(ctx)
	if err != nil {
		d.logger.Error("failed to list webhooks", "event", event, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, wh := range hooks {
		if !wh.Enabled || !wh.SubscribedTo(event) {
			continue
		}
		wh := wh
		wg.Add(1)
		d.sem <- struct{}{}
		go func() {
			defer func() {
				<-d.sem
				wg.Done()
			}()
			d.deliver(ctx, wh, event, data)
		}()
	}
	wg.Wait()
}

// deliver posts the event to one webhook, retrying with exponential backoff.
// Attempts for a single webhook are sequential; webhooks proceed in parallel.
func (d *Dispatcher) deliver(ctx context.Context, wh *store.Webhook, event string, data map[string]any) {
	// Building the payload as a map gives a canonical body: encoding/json
	// writes map keys in sorted order, so the signature is reproducible.
	payload := map[string]any{
		"event":      event,
		"data":       data,
		"timestamp":  d.now().UTC().Format(time.RFC3339Nano),
		"webhook_id": wh.ID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to marshal webhook payload", "webhook_id", wh.ID, "error", err)
		return
	}

	deliveryID := ulid.Make().String()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = d.post(ctx, wh, body, deliveryID)
		if err == nil {
			if d.OnDelivery != nil {
				d.OnDelivery(true)
			}
			if dbErr := d.store.RecordWebhookSuccess(ctx, wh.ID, d.now().UTC()); dbErr != nil {
				d.logger.Error("failed to record webhook success", "webhook_id", wh.ID, "error", dbErr)
			}
			d.logger.Info("webhook delivered",
				"webhook_id", wh.ID,
				"url", wh.URL,
				"event", event,
				"delivery_id", deliveryID,
			)
			return
		}

		d.logger.Warn("webhook delivery failed",
			"webhook_id", wh.ID,
			"url", wh.URL,
			"event", event,
			"attempt", attempt+1,
			"error", err,
		)
		if attempt < maxAttempts-1 {
			d.backoff(attempt)
		}
	}

	if d.OnDelivery != nil {
		d.OnDelivery(false)
	}
	if dbErr := d.store.RecordWebhookFailure(ctx, wh.ID, disableAfter); dbErr != nil {
		d.logger.Error("failed to record webhook failure", "webhook_id", wh.ID, "error", dbErr)
	}
}

func (d *Dispatcher) post(ctx context.Context, wh *store.Webhook, body []byte, deliveryID string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if wh.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, wh.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a payload body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against a payload body. Intended for
// webhook consumers; exported so integrations can share the exact scheme.
func Verify(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}
