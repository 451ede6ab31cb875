// Package notify provides notification provider adapters and the
// primary/fallback failover selection used by the dispatcher.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// HTTPProvider delivers messages through a JSON-over-HTTP send endpoint.
// Postmark, SES, Twilio, and Netgsm gateways all front the same shape here;
// the per-provider endpoint and key come from configuration.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider constructs a provider adapter for one configured gateway.
func NewHTTPProvider(name, endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in attempt records.
func (p *HTTPProvider) Name() string { return p.name }

// sendRequest is the wire shape posted to the gateway.
type sendRequest struct {
	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Send delivers one message. A returned error means the provider
// infrastructure failed (network error, 5xx); classified outcomes come back
// as SendResult values.
func (p *HTTPProvider) Send(ctx domain.Context, channel domain.NotificationChannel, recipient, subject, body string, meta map[string]any) (domain.SendResult, error) {
	payload, err := json.Marshal(sendRequest{
		Channel:   string(channel),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Metadata:  meta,
	})
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("op=notify.send.marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("op=notify.send.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("op=notify.send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("op=notify.send.read: %w", err)
	}
	var sr sendResponse
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &sr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.SendResult{Kind: domain.SendSuccess, MessageID: sr.MessageID}, nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		// Hard bounces and rejected numbers come back as 4xx with a code.
		return domain.SendResult{Kind: domain.SendPermanentFail, Code: nonEmpty(sr.ErrorCode, "rejected"), Message: sr.Message}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.SendResult{Kind: domain.SendTransientFail, Code: "throttled", Message: sr.Message}, nil
	case resp.StatusCode >= 500:
		return domain.SendResult{}, fmt.Errorf("op=notify.send: provider %s returned %d", p.name, resp.StatusCode)
	default:
		return domain.SendResult{Kind: domain.SendTransientFail, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: sr.Message}, nil
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
