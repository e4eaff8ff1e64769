package linkauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Dispatcher delivers a sign-in link to a recipient. Implementations are
// provider-specific; the auth service only cares about success, failure and
// the returned delivery identifier.
type Dispatcher interface {
	// Name returns the name of the provider
	Name() string

	// Send delivers an HTML email and returns the provider's message ID.
	Send(ctx context.Context, to, subject, htmlBody string) (string, error)

	// Close cleans up any resources
	Close() error
}

// DispatcherFactory creates mail dispatchers from provider configuration.
type DispatcherFactory func(config map[string]interface{}) (Dispatcher, error)

var dispatchers = map[string]DispatcherFactory{
	"resend": NewResendDispatcher,
	"log":    NewLogDispatcher,
}

// RegisterDispatcher registers a new mail dispatcher under name.
func RegisterDispatcher(name string, factory DispatcherFactory) {
	dispatchers[name] = factory
}

// GetDispatcher creates a new instance of the named dispatcher.
func GetDispatcher(name string, config map[string]interface{}) (Dispatcher, error) {
	factory, exists := dispatchers[name]
	if !exists {
		return nil, fmt.Errorf("unknown mail dispatcher %q", name)
	}
	return factory(config)
}

// ResendDispatcher delivers mail via the Resend HTTP API.
type ResendDispatcher struct {
	apiKey  string
	baseURL string
	from    string
	client  *http.Client
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID    string `json:"id"`
	Error string `json:"message,omitempty"`
}

// NewResendDispatcher creates a Resend-backed dispatcher. Requires an
// "api_key" config entry; "base_url" and "from" are optional.
func NewResendDispatcher(config map[string]interface{}) (Dispatcher, error) {
	apiKey, ok := config["api_key"].(string)
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("api_key is required for the resend dispatcher")
	}

	baseURL := "https://api.resend.com"
	if url, ok := config["base_url"].(string); ok && url != "" {
		baseURL = url
	}

	from := "noreply@localhost"
	if f, ok := config["from"].(string); ok && f != "" {
		from = f
	}

	timeout := 30 * time.Second
	if t, ok := config["timeout"].(time.Duration); ok {
		timeout = t
	}

	return &ResendDispatcher{
		apiKey:  apiKey,
		baseURL: baseURL,
		from:    from,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (r *ResendDispatcher) Name() string { return "resend" }

func (r *ResendDispatcher) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	jsonBody, err := json.Marshal(resendRequest{
		From:    r.from,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body resendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("resend API error (%d): %s", resp.StatusCode, body.Error)
	}
	return body.ID, nil
}

func (r *ResendDispatcher) Close() error { return nil }

// LogDispatcher logs outgoing mail instead of sending it. For development
// and tests.
type LogDispatcher struct{}

// NewLogDispatcher creates a dispatcher that only logs.
func NewLogDispatcher(config map[string]interface{}) (Dispatcher, error) {
	return &LogDispatcher{}, nil
}

func (l *LogDispatcher) Name() string { return "log" }

func (l *LogDispatcher) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	messageID := uuid.NewString()
	slog.Info("Mail dispatch (log only)",
		"to", to,
		"subject", subject,
		"message_id", messageID,
		"body_length", len(htmlBody))
	return messageID, nil
}

func (l *LogDispatcher) Close() error { return nil }
