// Package custodyclient calls the custody certificate issuer on behalf of
// the escrow, which is the only caller allowed to mint or move
// certificates.
package custodyclient

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

func (c *Client) MintCertificate(ctx context.Context, owner, pledgeID string, category domain.AssetCategory, appraisedValue int64, documentFingerprint string) (string, error) {
	body := map[string]any{
		"owner":                owner,
		"pledge_id":            pledgeID,
		"category":             string(category),
		"appraised_value":      appraisedValue,
		"document_fingerprint": documentFingerprint,
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/custody/certificates", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Bearer)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", domain.Resource(domain.CodeCustodyService, "custody service unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", serviceError(resp)
	}
	var out struct {
		Certificate struct {
			CertificateID string `json:"certificate_id"`
		} `json:"certificate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.Resource(domain.CodeCustodyService, "decode custody response: %v", err)
	}
	return out.Certificate.CertificateID, nil
}

func (c *Client) TransferCustody(ctx context.Context, certificateID, to string) error {
	b, _ := json.Marshal(map[string]any{"to": to})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/custody/certificates/"+certificateID+":transfer", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Bearer)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.Resource(domain.CodeCustodyService, "custody service unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return serviceError(resp)
	}
	return nil
}

func serviceError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
		return domain.Resource(domain.CodeCustodyService, "custody service returned %d", resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusConflict:
		return domain.Precondition(envelope.Error.Code, "%s", envelope.Error.Message)
	case http.StatusBadRequest:
		return domain.Validation(envelope.Error.Code, "%s", envelope.Error.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Authority(envelope.Error.Code, "%s", envelope.Error.Message)
	default:
		return domain.Resource(domain.CodeCustodyService, "custody service returned %d: %s", resp.StatusCode, envelope.Error.Message)
	}
}
