package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Headers set on every webhook delivery.
const (
	HeaderSignature = "X-Ledger-Signature"
	HeaderEvent     = "X-Ledger-Event"
)

// DefaultRetryDelays are the waits before the second and third attempts.
var DefaultRetryDelays = []time.Duration{time.Second, 5 * time.Second}

// WebhookNotifier POSTs alerts as JSON to a fixed set of URLs, signing the
// body with HMAC-SHA256 when a secret is configured.
type WebhookNotifier struct {
	urls       []string
	secret     string
	delays     []time.Duration
	httpClient *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(urls []string, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		urls:       urls,
		secret:     secret,
		delays:     DefaultRetryDelays,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetRetryDelays overrides the waits between attempts. An empty slice
// disables retries.
func (w *WebhookNotifier) SetRetryDelays(d []time.Duration) { w.delays = d }

// Notify implements Notifier. It returns the joined errors of every URL
// that could not be reached after all attempts.
func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	signature := ""
	if w.secret != "" {
		signature = SignPayload(body, w.secret)
	}

	var errs []error
	for _, url := range w.urls {
		if err := w.deliver(ctx, url, a.Kind, body, signature); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookNotifier) deliver(ctx context.Context, url, kind string, body []byte, signature string) error {
	var lastErr error
	for attempt := 0; attempt <= len(w.delays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.delays[attempt-1]):
			}
		}
		if lastErr = w.post(ctx, url, kind, body, signature); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (w *WebhookNotifier) post(ctx context.Context, url, kind string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, kind)
	if signature != "" {
		req.Header.Set(HeaderSignature, signature)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// SignPayload computes the "sha256=<hex>" HMAC signature of body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
