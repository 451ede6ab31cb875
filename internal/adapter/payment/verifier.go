// Package payment provides per-provider webhook signature verification and
// event parsing. Provider SDK specifics stay behind the
// domain.WebhookVerifier port; the core only sees the provider-agnostic
// event shape.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// HMACVerifier verifies hex-encoded HMAC-SHA256 signatures over the raw
// body, the scheme shared by the supported payment gateways.
type HMACVerifier struct {
	provider string
	secret   []byte
}

// NewHMACVerifier constructs a verifier for one provider's registered secret.
func NewHMACVerifier(provider, secret string) *HMACVerifier {
	return &HMACVerifier{provider: provider, secret: []byte(secret)}
}

// Verify checks the signature header against the raw body. Headers of the
// form "sha256=<hex>" and bare hex are both accepted.
func (v *HMACVerifier) Verify(signature string, body []byte) bool {
	if signature == "" || len(v.secret) == 0 {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

// statusByEventType maps provider event types onto internal payment states.
var statusByEventType = map[string]domain.PaymentStatus{
	"payment_intent.succeeded":      domain.PaymentSucceeded,
	"payment_intent.payment_failed": domain.PaymentFailed,
	"charge.refunded":               domain.PaymentRefunded,
}

// Parse projects the parsed webhook body onto the provider-agnostic event
// shape. Missing event id or payment id is left empty for the processor to
// reject; an unhandled event type leaves NewStatus empty so the processor
// can acknowledge it as ignored.
func (v *HMACVerifier) Parse(payload map[string]any) (domain.ParsedWebhook, error) {
	eventType, _ := payload["type"].(string)
	out := domain.ParsedWebhook{
		EventType: eventType,
		Metadata:  map[string]any{},
	}
	if id, ok := payload["id"].(string); ok {
		out.EventID = id
	}
	if data, ok := payload["data"].(map[string]any); ok {
		if obj, ok := data["object"].(map[string]any); ok {
			if pid, ok := obj["id"].(string); ok {
				out.ProviderPaymentID = pid
			}
			if meta, ok := obj["metadata"].(map[string]any); ok {
				out.Metadata = meta
			}
		}
	}
	if status, ok := statusByEventType[eventType]; ok {
		out.NewStatus = string(status)
	}
	return out, nil
}

// Registry maps provider names to their verifiers.
type Registry map[string]domain.WebhookVerifier

// NewRegistry builds verifiers from the configured provider → secret map.
func NewRegistry(secrets map[string]string) Registry {
	r := make(Registry, len(secrets))
	for provider, secret := range secrets {
		r[provider] = NewHMACVerifier(provider, secret)
	}
	return r
}

// Get returns the verifier for a provider.
func (r Registry) Get(provider string) (domain.WebhookVerifier, bool) {
	v, ok := r[provider]
	return v, ok
}
