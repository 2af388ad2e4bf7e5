package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/tis24dev/proxsync/internal/logging"
)

// WebhookConfig describes a single webhook endpoint.
type WebhookConfig struct {
	URL        string
	Format     string // generic, discord, slack
	Method     string
	Headers    map[string]string
	AuthType   string // none, bearer, basic, hmac
	Token      string
	User       string
	Password   string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Clock      retry.Clock
}

// WebhookNotifier posts the run outcome to an HTTP endpoint.
type WebhookNotifier struct {
	config WebhookConfig
	logger *logging.Logger
	client *http.Client
}

// NewWebhookNotifier validates cfg and creates the notifier.
func NewWebhookNotifier(cfg WebhookConfig, logger *logging.Logger) (*WebhookNotifier, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid webhook URL scheme %q", parsed.Scheme)
	}
	cfg.URL = parsed.String()

	if cfg.Format == "" {
		cfg.Format = "generic"
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	logger.Debug("Webhook notifier: url=%s format=%s method=%s auth=%s retries=%d",
		maskURL(cfg.URL), cfg.Format, cfg.Method, cfg.AuthType, cfg.MaxRetries)

	return &WebhookNotifier{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the notifier name
func (w *WebhookNotifier) Name() string {
	return "Webhook"
}

// permanentError marks responses that retrying cannot fix.
type permanentError struct{ error }

// Send posts the payload, retrying transport errors, 429 and 5xx responses.
func (w *WebhookNotifier) Send(ctx context.Context, data *Data) error {
	payload, err := w.buildPayload(data)
	if err != nil {
		return fmt.Errorf("failed to build %s payload: %w", w.config.Format, err)
	}

	err = retry.Call(retry.CallArgs{
		Func: func() error { return w.post(ctx, payload, data.Version) },
		IsFatalError: func(err error) bool {
			var perm *permanentError
			return errors.As(err, &perm)
		},
		NotifyFunc: func(err error, attempt int) {
			w.logger.Debug("Webhook attempt %d failed: %v", attempt, err)
		},
		Attempts: w.config.MaxRetries + 1,
		Delay:    w.config.RetryDelay,
		Clock:    w.config.Clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) {
		return fmt.Errorf("webhook failed after %d attempt(s): %w", w.config.MaxRetries+1, retry.LastError(err))
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.error
	}
	return err
}

func (w *WebhookNotifier) post(ctx context.Context, payload []byte, version string) error {
	var body io.Reader
	if w.config.Method != http.MethodGet && w.config.Method != http.MethodHead {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, w.config.Method, w.config.URL, body)
	if err != nil {
		return &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "proxsync/"+version)

	for k, v := range w.config.Headers {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "", "host", "content-length", "content-type", "transfer-encoding":
			w.logger.Warning("Skipped protected custom header %q", k)
			continue
		}
		req.Header.Set(k, v)
	}
	if err := applyAuthentication(req, w.config, payload); err != nil {
		return &permanentError{err}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := strings.TrimSpace(string(respBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.logger.Debug("Webhook accepted: HTTP %d", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, detail)
	default:
		return &permanentError{fmt.Errorf("HTTP %d: %s", resp.StatusCode, detail)}
	}
}

func applyAuthentication(req *http.Request, cfg WebhookConfig, payload []byte) error {
	switch strings.ToLower(cfg.AuthType) {
	case "", "none":
		return nil
	case "bearer":
		if cfg.Token == "" {
			return errors.New("bearer token is empty")
		}
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	case "basic":
		if cfg.User == "" || cfg.Password == "" {
			return errors.New("basic auth user or password is empty")
		}
		req.SetBasicAuth(cfg.User, cfg.Password)
	case "hmac", "hmac-sha256":
		if cfg.Secret == "" {
			return errors.New("HMAC secret is empty")
		}
		req.Header.Set("X-Signature", generateHMACSignature(payload, cfg.Secret))
		req.Header.Set("X-Signature-Algorithm", "hmac-sha256")
	default:
		return fmt.Errorf("unknown auth type: %s", cfg.AuthType)
	}
	return nil
}

func generateHMACSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// maskURL hides path and query, which often carry tokens.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "***INVALID_URL***"
	}
	masked := parsed.Scheme + "://" + parsed.Host
	if parsed.Path != "" {
		masked += "/***MASKED***"
	}
	if parsed.RawQuery != "" {
		masked += "?***MASKED***"
	}
	return masked
}
