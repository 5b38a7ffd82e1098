package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/dochash"
)

// Live round trip against a running custody service: mint is idempotent
// per pledge and verify is set-once. Skipped unless TPH_INTEGRATION=1.
func TestCertificateLifecycleLive(t *testing.T) {
	if os.Getenv("TPH_INTEGRATION") != "1" {
		t.Skip("set TPH_INTEGRATION=1 to run live integration")
	}

	baseURL := getenvOr("TPH_CUSTODY_URL", "http://localhost:8081")
	escrowAuth := "Bearer " + os.Getenv("TPH_ESCROW_TOKEN")
	verifierAuth := "Bearer " + os.Getenv("TPH_VERIFIER_TOKEN")

	fingerprint := dochash.SumBytes([]byte("custody-live-deed"))
	mintBody := map[string]any{
		"owner":                "owner-live",
		"pledge_id":            "plg_live_custody",
		"category":             "REAL_ESTATE",
		"appraised_value":      250000,
		"document_fingerprint": fingerprint,
	}

	first := postJSONLive(t, baseURL+"/custody/certificates", escrowAuth, mintBody)
	certID := nestedString(t, first, "certificate", "certificate_id")
	if certID == "" {
		t.Fatal("expected certificate_id in mint response")
	}

	second := postJSONLive(t, baseURL+"/custody/certificates", escrowAuth, mintBody)
	if got := nestedString(t, second, "certificate", "certificate_id"); got != certID {
		t.Fatalf("repeat mint returned a new certificate: %s vs %s", got, certID)
	}

	verifyURL := baseURL + "/custody/certificates/" + certID + ":verify"
	resp := postLiveRaw(t, verifyURL, verifierAuth, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first verify: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postLiveRaw(t, verifyURL, verifierAuth, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second verify: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func postLiveRaw(t *testing.T, url, auth string, body map[string]any) *http.Response {
	t.Helper()
	var payload io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, url, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Authorization", auth)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func postJSONLive(t *testing.T, url, auth string, body map[string]any) map[string]any {
	t.Helper()
	resp := postLiveRaw(t, url, auth, body)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		t.Fatalf("POST %s: %d: %s", url, resp.StatusCode, raw)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func nestedString(t *testing.T, m map[string]any, keys ...string) string {
	t.Helper()
	cur := any(m)
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("expected object at %q", k)
		}
		cur = obj[k]
	}
	s, _ := cur.(string)
	return s
}
