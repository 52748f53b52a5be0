// Package webhook delivers signed lifecycle notifications to client URLs.
// Payloads are signed with HMAC-SHA256 over the exact JSON body; transient
// delivery failures retry on a fixed schedule with jitter, 4xx responses
// are final.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/types"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"

	maxAttempts = 5
	maxDelay    = 30 * time.Second
)

// Sender posts signed webhook payloads
type Sender struct {
	httpClient *http.Client
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// NewSender creates a Sender with a 10 second per-attempt timeout
func NewSender() *Sender {
	return &Sender{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseDelay:  time.Second,
		logger:     log.WithComponent("webhook"),
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret, in the format
// carried by the signature header
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. Comparison
// is constant-time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Send delivers one payload to url, retrying transient failures on the
// schedule 1s, 2s, 4s, 8s, 16s capped at 30s with 10% jitter. A 4xx
// response is a permanent rejection and stops the retries. Exhausting all
// attempts returns an ErrWebhookDelivery.
func (s *Sender) Send(ctx context.Context, url, secret string, payload *types.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.deliver(ctx, url, secret, body)
		if err == nil {
			s.logger.Info().Str("instance_id", payload.InstanceID).
				Str("status", string(payload.Status)).Int("attempt", attempt).
				Msg("webhook delivered")
			return nil
		}
		lastErr = err

		if errdefs.IsValidation(err) || ctx.Err() != nil {
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := s.retryDelay(attempt)
		s.logger.Warn().Err(err).Str("url", url).Int("attempt", attempt).
			Dur("retry_in", delay).Msg("webhook delivery failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("delivery to %s after %d attempts: %v: %w",
		url, maxAttempts, lastErr, errdefs.ErrWebhookDelivery)
}

func (s *Sender) deliver(ctx context.Context, url, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if secret != "" {
		req.Header.Set(headerSignature, Sign(secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload, retrying cannot help
		return errdefs.Validationf("receiver rejected webhook with status %d", resp.StatusCode)
	default:
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
}

// retryDelay is 1s << (attempt-1) capped at maxDelay, with 10% jitter
func (s *Sender) retryDelay(attempt int) time.Duration {
	delay := s.baseDelay << uint(attempt-1)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}
