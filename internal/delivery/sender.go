package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/retailhub/webhook-engine/internal/config"
)

// UserAgent identifies the engine on every outbound request.
const UserAgent = "retailhub-webhook/1.0"

// Result captures one HTTP attempt toward a subscriber. StatusCode is nil
// when no response was received (network error, timeout, cancellation).
type Result struct {
	StatusCode *int
	LatencyMs  int
	Summary    string
	Err        error
}

// Success reports whether the subscriber acknowledged with a 2xx.
func (r *Result) Success() bool {
	return r.Err == nil && r.StatusCode != nil && *r.StatusCode >= 200 && *r.StatusCode < 300
}

// Sender performs the signed HTTP POSTs. The per-attempt timeout is a hard
// cap; an optional global rate limiter smooths bursty fan-out.
type Sender struct {
	client       *http.Client
	maxBodyBytes int
	limiter      *rate.Limiter
	logger       *zap.Logger
}

func NewSender(cfg *config.EngineConfig, logger *zap.Logger) *Sender {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Sender{
		client:       &http.Client{Timeout: cfg.HTTPTimeout},
		maxBodyBytes: cfg.MaxResponseBodySize,
		limiter:      limiter,
		logger:       logger,
	}
}

// Send posts the payload bytes to url with the webhook headers. The payload
// must be exactly the bytes the signature was computed over.
func (s *Sender) Send(ctx context.Context, url string, eventType string, deliveryID uuid.UUID, payload []byte, signatureHex string) *Result {
	result := &Result{}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			result.Err = fmt.Errorf("rate limiter wait aborted: %w", err)
			result.Summary = result.Err.Error()
			return result
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		result.Err = fmt.Errorf("failed to build request: %w", err)
		result.Summary = result.Err.Error()
		return result
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signatureHex)
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Delivery", deliveryID.String())
	req.Header.Set("User-Agent", UserAgent)

	start := time.Now()
	resp, err := s.client.Do(req)
	result.LatencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		result.Err = fmt.Errorf("request failed: %w", err)
		result.Summary = result.Err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = &resp.StatusCode
	result.Summary = fmt.Sprintf("HTTP %d", resp.StatusCode)

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxBodyBytes)))
	if readErr != nil {
		s.logger.Warn("Failed to read subscriber response body",
			zap.String("url", url),
			zap.Error(readErr),
		)
		return result
	}
	if len(body) > 0 {
		result.Summary = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 500))
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
