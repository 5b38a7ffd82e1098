package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
	"github.com/PBC2212/token-pathway-hub-sub002/services/token/internal/store"
)

func TestReplayMatches(t *testing.T) {
	rec := &store.MintRecord{
		PledgeID:  "plg_1",
		Category:  domain.CategoryGold,
		Recipient: "owner-1",
		Amount:    500,
	}

	if !replayMatches(rec, domain.CategoryGold, "owner-1", 500) {
		t.Fatal("identical request should replay as success")
	}
	if replayMatches(rec, domain.CategoryGold, "owner-1", 501) {
		t.Fatal("different amount must not replay")
	}
	if replayMatches(rec, domain.CategoryGold, "owner-2", 500) {
		t.Fatal("different recipient must not replay")
	}
	if replayMatches(rec, domain.CategoryRealEstate, "owner-1", 500) {
		t.Fatal("different category must not replay")
	}
}

// Live round trip against a running token service: an authority mint
// followed by a holder transfer moves the balance without changing
// supply, and a replayed burn never debits twice. Skipped unless
// TPH_INTEGRATION=1.
func TestTransferAndBurnReplayLive(t *testing.T) {
	if os.Getenv("TPH_INTEGRATION") != "1" {
		t.Skip("set TPH_INTEGRATION=1 to run live integration")
	}

	baseURL := os.Getenv("TPH_TOKEN_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8082"
	}
	authorityAuth := "Bearer " + os.Getenv("TPH_AUTHORITY_TOKEN")
	holderAuth := "Bearer " + os.Getenv("TPH_HOLDER_TOKEN")
	holder := os.Getenv("TPH_HOLDER_SUBJECT")

	pledgeID := fmt.Sprintf("plg_live_token_%d", time.Now().UnixNano())
	mintBody := map[string]any{
		"category":  "GOLD",
		"to":        holder,
		"amount":    1000,
		"pledge_id": pledgeID,
	}
	resp := postJSONLive(t, baseURL+"/token/mint", authorityAuth, mintBody)
	if resp.StatusCode >= 300 {
		t.Fatalf("mint: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSONLive(t, baseURL+"/token/transfer", holderAuth, map[string]any{
		"category": "GOLD",
		"from":     holder,
		"to":       "counterparty-live",
		"amount":   400,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transfer: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	burnBody := map[string]any{
		"category":  "GOLD",
		"from":      holder,
		"amount":    1000,
		"pledge_id": pledgeID,
	}
	resp = postJSONLive(t, baseURL+"/token/burn", authorityAuth, burnBody)
	// 600 remain after the transfer, so the full burn must be refused.
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("burn after transfer: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if got := liveBalance(t, baseURL, authorityAuth, "GOLD", "counterparty-live"); got != 400 {
		t.Fatalf("expected counterparty balance 400, got %d", got)
	}
}

func postJSONLive(t *testing.T, url, auth string, body map[string]any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
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

func liveBalance(t *testing.T, baseURL, auth, category, holder string) int64 {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, baseURL+"/token/balances?category="+category+"&holder="+holder, nil)
	req.Header.Set("Authorization", auth)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode balances: %v", err)
	}
	return out.Balance
}
