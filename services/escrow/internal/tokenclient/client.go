// Package tokenclient calls the issuance token service. The escrow holds
// the minting authority token for every category; no other caller can
// reach the mint and burn entry points.
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
)

type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

func New(baseURL, bearer string) *Client {
	return &Client{BaseURL: baseURL, Bearer: bearer, HTTP: &http.Client{}}
}

func (c *Client) Mint(ctx context.Context, category domain.AssetCategory, to string, amount int64, pledgeID string) error {
	return c.post(ctx, "/token/mint", map[string]any{
		"category":  string(category),
		"to":        to,
		"amount":    amount,
		"pledge_id": pledgeID,
	})
}

func (c *Client) Burn(ctx context.Context, category domain.AssetCategory, from string, amount int64, pledgeID string) error {
	return c.post(ctx, "/token/burn", map[string]any{
		"category":  string(category),
		"from":      from,
		"amount":    amount,
		"pledge_id": pledgeID,
	})
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Bearer)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.Resource(domain.CodeTokenService, "token service unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		return nil
	}
	return decodeError(resp)
}

// decodeError re-raises the token service's typed error so lifecycle
// violations (INSUFFICIENT_BALANCE, INVALID_AMOUNT) keep their meaning on
// this side of the wire.
func decodeError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
		return domain.Resource(domain.CodeTokenService, "token service returned %d", resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusConflict:
		return domain.Precondition(envelope.Error.Code, "%s", envelope.Error.Message)
	case http.StatusBadRequest:
		return domain.Validation(envelope.Error.Code, "%s", envelope.Error.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Authority(envelope.Error.Code, "%s", envelope.Error.Message)
	default:
		return domain.Resource(domain.CodeTokenService, "token service returned %d: %s", resp.StatusCode, envelope.Error.Message)
	}
}
