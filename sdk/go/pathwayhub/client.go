// Package pathwayhub is a typed client for the pledge escrow API. It
// speaks the JSON envelope the escrow service emits and retries the
// transient failure statuses with exponential backoff.
package pathwayhub

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pathwayhub sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

type Pledge struct {
	PledgeID            string         `json:"pledge_id"`
	Owner               string         `json:"owner"`
	Category            string         `json:"category"`
	Status              string         `json:"status"`
	AppraisedValue      int64          `json:"appraised_value"`
	IssuedTokenAmount   int64          `json:"issued_token_amount"`
	DocumentFingerprint string         `json:"document_fingerprint"`
	CertificateID       string         `json:"certificate_id"`
	Raw                 map[string]any `json:"-"`
}

type Event struct {
	EventID   string         `json:"event_id"`
	PledgeID  string         `json:"pledge_id"`
	EventType string         `json:"event_type"`
	OldStatus string         `json:"old_status"`
	NewStatus string         `json:"new_status"`
	Actor     string         `json:"actor"`
	Raw       map[string]any `json:"-"`
}

type AuthStrategy interface {
	Apply(req *http.Request) error
}

// BearerAuth covers both machine credentials and approver JWTs; the
// escrow decides which kind each endpoint expects.
type BearerAuth struct{ Token string }

func (a BearerAuth) Apply(req *http.Request) error {
	if strings.TrimSpace(a.Token) == "" {
		return errors.New("bearer token is required")
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthStrategy
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL string, auth AuthStrategy, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		auth:       auth,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return newNonce() }

type CreatePledgeInput struct {
	Category            string
	AppraisedValue      int64
	DocumentFingerprint string
	MetadataRef         string
	IdempotencyKey      string
}

func (c *Client) CreatePledge(ctx context.Context, in CreatePledgeInput) (*Pledge, error) {
	headers := map[string]string{}
	if strings.TrimSpace(in.IdempotencyKey) != "" {
		headers["Idempotency-Key"] = in.IdempotencyKey
	}
	body := map[string]any{
		"category":             in.Category,
		"appraised_value":      in.AppraisedValue,
		"document_fingerprint": in.DocumentFingerprint,
	}
	if strings.TrimSpace(in.MetadataRef) != "" {
		body["metadata_ref"] = in.MetadataRef
	}
	payload, err := c.do(ctx, http.MethodPost, "/escrow/pledges", body, headers, true)
	if err != nil {
		return nil, err
	}
	return parsePledgePayload(payload), nil
}

func (c *Client) GetPledge(ctx context.Context, pledgeID string) (*Pledge, error) {
	payload, err := c.do(ctx, http.MethodGet, "/escrow/pledges/"+url.PathEscape(pledgeID), nil, nil, true)
	if err != nil {
		return nil, err
	}
	return parsePledgePayload(payload), nil
}

func (c *Client) ListByOwner(ctx context.Context, owner string) ([]*Pledge, error) {
	path := "/escrow/pledges"
	if strings.TrimSpace(owner) != "" {
		v := url.Values{}
		v.Set("owner", owner)
		path += "?" + v.Encode()
	}
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, err
	}
	rawList, _ := payload["pledges"].([]any)
	out := make([]*Pledge, 0, len(rawList))
	for _, item := range rawList {
		if raw, ok := item.(map[string]any); ok {
			out = append(out, parsePledge(raw))
		}
	}
	return out, nil
}

func (c *Client) Events(ctx context.Context, pledgeID string) ([]*Event, error) {
	payload, err := c.do(ctx, http.MethodGet, "/escrow/pledges/"+url.PathEscape(pledgeID)+"/events", nil, nil, true)
	if err != nil {
		return nil, err
	}
	rawList, _ := payload["events"].([]any)
	out := make([]*Event, 0, len(rawList))
	for _, item := range rawList {
		if raw, ok := item.(map[string]any); ok {
			out = append(out, parseEvent(raw))
		}
	}
	return out, nil
}

func (c *Client) UpdateDocument(ctx context.Context, pledgeID, fingerprint string) error {
	_, err := c.do(ctx, http.MethodPost, "/escrow/pledges/"+url.PathEscape(pledgeID)+"/document",
		map[string]any{"document_fingerprint": fingerprint}, nil, false)
	return err
}

func (c *Client) Approve(ctx context.Context, pledgeID string, tokenAmount int64) error {
	_, err := c.do(ctx, http.MethodPost, "/escrow/pledges/"+url.PathEscape(pledgeID)+":approve",
		map[string]any{"token_amount": tokenAmount}, nil, false)
	return err
}

func (c *Client) Reject(ctx context.Context, pledgeID, reason string) error {
	_, err := c.do(ctx, http.MethodPost, "/escrow/pledges/"+url.PathEscape(pledgeID)+":reject",
		map[string]any{"reason": reason}, nil, false)
	return err
}

// Mint is retry-safe on the server side, so an idempotency key is
// required rather than optional.
func (c *Client) Mint(ctx context.Context, pledgeID, idempotencyKey string) error {
	if strings.TrimSpace(idempotencyKey) == "" {
		return errors.New("idempotency key is required for mint")
	}
	_, err := c.do(ctx, http.MethodPost, "/escrow/pledges/"+url.PathEscape(pledgeID)+":mint",
		map[string]any{}, map[string]string{"Idempotency-Key": idempotencyKey}, true)
	return err
}

func (c *Client) Redeem(ctx context.Context, pledgeID string, burnAmount int64) error {
	_, err := c.do(ctx, http.MethodPost, "/escrow/pledges/"+url.PathEscape(pledgeID)+":redeem",
		map[string]any{"burn_amount": burnAmount}, nil, false)
	return err
}

func (c *Client) MarkDefaulted(ctx context.Context, pledgeID string) error {
	_, err := c.do(ctx, http.MethodPost, "/escrow/pledges/"+url.PathEscape(pledgeID)+":default",
		map[string]any{}, nil, false)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, retryable bool) (map[string]any, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "pathwayhub-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.auth != nil {
			if err := c.auth.Apply(req); err != nil {
				return nil, err
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var obj map[string]any
			if len(respBody) == 0 {
				return map[string]any{}, nil
			}
			if err := json.Unmarshal(respBody, &obj); err != nil {
				return nil, err
			}
			return obj, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return nil, parseSDKError(resp.StatusCode, respBody)
	}
	return nil, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func parsePledgePayload(payload map[string]any) *Pledge {
	raw, _ := payload["pledge"].(map[string]any)
	if raw == nil {
		raw = payload
	}
	return parsePledge(raw)
}

func parsePledge(raw map[string]any) *Pledge {
	p := &Pledge{Raw: raw}
	p.PledgeID, _ = raw["pledge_id"].(string)
	p.Owner, _ = raw["owner"].(string)
	p.Category, _ = raw["category"].(string)
	p.Status, _ = raw["status"].(string)
	p.AppraisedValue = rawInt64(raw["appraised_value"])
	p.IssuedTokenAmount = rawInt64(raw["issued_token_amount"])
	p.DocumentFingerprint, _ = raw["document_fingerprint"].(string)
	p.CertificateID, _ = raw["certificate_id"].(string)
	return p
}

func parseEvent(raw map[string]any) *Event {
	e := &Event{Raw: raw}
	e.EventID, _ = raw["event_id"].(string)
	e.PledgeID, _ = raw["pledge_id"].(string)
	e.EventType, _ = raw["event_type"].(string)
	e.OldStatus, _ = raw["old_status"].(string)
	e.NewStatus, _ = raw["new_status"].(string)
	e.Actor, _ = raw["actor"].(string)
	return e
}

func rawInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
