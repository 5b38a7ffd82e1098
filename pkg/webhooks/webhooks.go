// Package webhooks delivers signed audit events to an external log sink.
// The sink verifies the HMAC before accepting an event, so transitions can
// be attributed even when the sink is operated by a different party.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
	Scheme          = "audit-hmac-sha256/v1"
)

// Sign computes the hex HMAC-SHA256 of the raw event body.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an inbound delivery the way a sink would.
func Verify(headers http.Header, rawBody []byte, secret string) (bool, error) {
	if strings.TrimSpace(secret) == "" {
		return false, fmt.Errorf("webhook secret is empty")
	}
	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return false, nil
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), provided), nil
}

// Sink posts signed events to a configured audit endpoint. A zero URL
// disables delivery; the database event row remains the record of truth
// either way.
type Sink struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
}

func NewSink(url, secret string) *Sink {
	return &Sink{
		URL:        strings.TrimRight(url, "/"),
		Secret:     secret,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Sink) Enabled() bool { return s != nil && s.URL != "" }

// Deliver signs and posts one event. Callers treat failures as
// best-effort: they log and move on, never roll back the transition.
func (s *Sink) Deliver(ctx context.Context, eventID, eventType string, payload any) error {
	if !s.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(SignatureHeader, Sign(s.Secret, body))
	req.Header.Set(EventIDHeader, eventID)
	req.Header.Set(EventTypeHeader, eventType)
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit sink returned %d", resp.StatusCode)
	}
	return nil
}
