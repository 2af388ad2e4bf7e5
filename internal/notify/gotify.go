package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tis24dev/proxsync/internal/logging"
)

// GotifyConfig holds configuration for Gotify notifications.
type GotifyConfig struct {
	ServerURL       string
	Token           string
	PrioritySuccess int
	PriorityWarning int
	PriorityFailure int
}

// GotifyNotifier pushes a message to a Gotify server.
type GotifyNotifier struct {
	config GotifyConfig
	logger *logging.Logger
	client *http.Client
}

type gotifyMessage struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// NewGotifyNotifier creates a new Gotify notifier.
func NewGotifyNotifier(cfg GotifyConfig, logger *logging.Logger) (*GotifyNotifier, error) {
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("gotify server URL is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("gotify token is required")
	}
	if cfg.PrioritySuccess <= 0 {
		cfg.PrioritySuccess = 2
	}
	if cfg.PriorityWarning <= 0 {
		cfg.PriorityWarning = 5
	}
	if cfg.PriorityFailure <= 0 {
		cfg.PriorityFailure = 8
	}

	return &GotifyNotifier{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Name returns the notifier name.
func (g *GotifyNotifier) Name() string {
	return "Gotify"
}

// Send sends a notification to Gotify.
func (g *GotifyNotifier) Send(ctx context.Context, data *Data) error {
	endpoint, err := g.buildEndpoint()
	if err != nil {
		return fmt.Errorf("invalid Gotify configuration: %w", err)
	}

	body, err := json.Marshal(gotifyMessage{
		Title:    BuildTitle(data),
		Message:  BuildPlainText(data),
		Priority: g.mapPriority(data.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal Gotify payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create Gotify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gotify request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gotify returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	g.logger.Debug("Gotify confirmed delivery (status=%d)", resp.StatusCode)
	return nil
}

func (g *GotifyNotifier) buildEndpoint() (string, error) {
	parsed, err := url.Parse(g.config.ServerURL + "/message")
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("token", g.config.Token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (g *GotifyNotifier) mapPriority(status Status) int {
	switch status {
	case StatusFailure:
		return g.config.PriorityFailure
	case StatusWarning:
		return g.config.PriorityWarning
	default:
		return g.config.PrioritySuccess
	}
}
