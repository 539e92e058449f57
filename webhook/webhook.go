// Package webhook delivers signed job lifecycle events to caller endpoints.
package webhook

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
	"time"
)

// Event types delivered when a job reaches a terminal state.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// deliveryTimeout bounds one delivery attempt end to end.
const deliveryTimeout = 10 * time.Second

// retrySchedule spaces redelivery attempts; the zero head is the
// immediate first try.
var retrySchedule = []time.Duration{0, time.Second, 5 * time.Second, 30 * time.Second}

// client is shared so bursts of completing jobs reuse connections.
var client = &http.Client{Timeout: deliveryTimeout}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers
// recompute it over the raw request body to authenticate the sender.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts one event to the endpoint. With a non-empty secret the
// body is signed and the signature travels in X-Glean-Signature as
// "sha256=<hex>". Any 4xx/5xx response counts as a failed delivery.
func Deliver(ctx context.Context, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Glean-Webhook/1.0")
	if secret != "" {
		req.Header.Set("X-Glean-Signature", "sha256="+Sign(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DeliverAsync retries Deliver in the background on the retry schedule
// and gives up after the last attempt. Terminal job transitions fire it
// so slow endpoints never stall the worker.
func DeliverAsync(url, secret string, event *Event) {
	go func() {
		for attempt, delay := range retrySchedule {
			if delay > 0 {
				time.Sleep(delay)
			}

			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			err := Deliver(ctx, url, secret, event)
			cancel()

			if err == nil {
				slog.Info("webhook delivered",
					"url", url, "event", event.Type, "job_id", event.JobID,
					"attempt", attempt+1)
				return
			}
			slog.Warn("webhook delivery failed",
				"url", url, "event", event.Type, "job_id", event.JobID,
				"attempt", attempt+1, "error", err)
		}
		slog.Error("webhook delivery abandoned",
			"url", url, "event", event.Type, "job_id", event.JobID,
			"attempts", len(retrySchedule))
	}()
}
