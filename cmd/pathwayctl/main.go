package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/dochash"
	"github.com/PBC2212/token-pathway-hub-sub002/sdk/go/pathwayhub"
)

const usage = "usage: pathwayctl roundtrip --base-url <url> --owner-token <tok> --approver-token <jwt> [--category REAL_ESTATE] [--value 100000] [--amount 50000] [--document <path>]"

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "roundtrip":
		runRoundTrip(os.Args[2:])
	default:
		failSummary("", "", "unknown command")
		os.Exit(2)
	}
}

// runRoundTrip drives a pledge through its full life against running
// services: create, approve, mint, redeem. Each stage failing prints a
// FAIL summary with the stage name so operators can see where a
// deployment is broken.
func runRoundTrip(args []string) {
	fs := flag.NewFlagSet("roundtrip", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	baseURL := fs.String("base-url", "http://localhost:8080", "escrow service base url")
	ownerToken := fs.String("owner-token", "", "owner bearer token")
	approverToken := fs.String("approver-token", "", "approver jwt")
	category := fs.String("category", "REAL_ESTATE", "asset category")
	value := fs.Int64("value", 100000, "appraised value")
	amount := fs.Int64("amount", 50000, "token amount to approve")
	documentPath := fs.String("document", "", "path to the pledge document (hashed; a synthetic document is used when omitted)")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*ownerToken) == "" || strings.TrimSpace(*approverToken) == "" {
		failSummary("", "", "both --owner-token and --approver-token are required")
		os.Exit(2)
	}

	fingerprint := dochash.SumBytes([]byte("pathwayctl-roundtrip-" + time.Now().UTC().Format(time.RFC3339Nano)))
	if strings.TrimSpace(*documentPath) != "" {
		raw, err := os.ReadFile(*documentPath)
		if err != nil {
			failSummary("", "", "read document failed: "+err.Error())
			os.Exit(1)
		}
		fingerprint = dochash.SumBytes(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	owner := pathwayhub.NewClient(*baseURL, pathwayhub.BearerAuth{Token: *ownerToken})
	approver := pathwayhub.NewClient(*baseURL, pathwayhub.BearerAuth{Token: *approverToken})

	pledge, err := owner.CreatePledge(ctx, pathwayhub.CreatePledgeInput{
		Category:            *category,
		AppraisedValue:      *value,
		DocumentFingerprint: fingerprint,
		IdempotencyKey:      pathwayhub.NewIdempotencyKey(),
	})
	if err != nil {
		failSummary("", "create", err.Error())
		os.Exit(1)
	}

	if err := approver.Approve(ctx, pledge.PledgeID, *amount); err != nil {
		failSummary(pledge.PledgeID, "approve", err.Error())
		os.Exit(1)
	}
	if err := owner.Mint(ctx, pledge.PledgeID, pathwayhub.NewIdempotencyKey()); err != nil {
		failSummary(pledge.PledgeID, "mint", err.Error())
		os.Exit(1)
	}
	if err := owner.Redeem(ctx, pledge.PledgeID, *amount); err != nil {
		failSummary(pledge.PledgeID, "redeem", err.Error())
		os.Exit(1)
	}

	final, err := owner.GetPledge(ctx, pledge.PledgeID)
	if err != nil {
		failSummary(pledge.PledgeID, "verify", err.Error())
		os.Exit(1)
	}
	if final.Status != "REDEEMED" {
		failSummary(pledge.PledgeID, "verify", "expected REDEEMED, got "+final.Status)
		os.Exit(1)
	}

	passSummary(pledge.PledgeID)
}

func passSummary(pledgeID string) {
	fmt.Printf("{\"tool\":\"pathwayctl\",\"status\":\"PASS\",\"pledge_id\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(pledgeID),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(pledgeID, stage, reason string) {
	fmt.Printf("{\"tool\":\"pathwayctl\",\"status\":\"FAIL\",\"pledge_id\":%s,\"stage\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(pledgeID),
		jsonQuote(stage),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
