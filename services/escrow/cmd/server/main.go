package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/config"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/db"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/webhooks"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/custodyclient"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/engine"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/store"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/tokenclient"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/walletclient"
)

type serverConfig struct {
	Port              string `env:"SERVICE_PORT" envDefault:"8080"`
	ApproverJWTSecret string `env:"APPROVER_JWT_SECRET,required"`

	// The two auditable business constants of the approval path.
	MinAppraisedValue int64 `env:"PLEDGE_MIN_APPRAISED_VALUE" envDefault:"1000"`
	LTVCeilingBps     int64 `env:"PLEDGE_LTV_CEILING_BPS" envDefault:"7000"`

	CustodyAddress string `env:"ESCROW_CUSTODY_ADDRESS" envDefault:"escrow-custody"`

	TokenBaseURL   string `env:"TOKEN_BASE_URL" envDefault:"http://localhost:8082"`
	TokenBearer    string `env:"TOKEN_SERVICE_TOKEN,required"`
	CustodyBaseURL string `env:"CUSTODY_BASE_URL" envDefault:"http://localhost:8081"`
	CustodyBearer  string `env:"CUSTODY_SERVICE_TOKEN,required"`

	// Empty disables the advisory wallet check.
	WalletProviderURL string `env:"WALLET_PROVIDER_URL"`

	// Empty disables outbound audit delivery; the pledge_events table
	// remains the record of truth.
	AuditSinkURL    string `env:"AUDIT_SINK_URL"`
	AuditSinkSecret string `env:"AUDIT_SINK_SECRET"`
}

func main() {
	var cfg serverConfig
	config.MustParseEnv(&cfg)

	pool := db.MustConnect()
	st := store.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("escrow: migrate: %v", err)
	}

	var wallets engine.WalletChecker
	if cfg.WalletProviderURL != "" {
		wallets = walletclient.New(cfg.WalletProviderURL)
	}
	var sink engine.EventSink
	if cfg.AuditSinkURL != "" {
		sink = webhooks.NewSink(cfg.AuditSinkURL, cfg.AuditSinkSecret)
	}

	eng := engine.New(engine.Config{
		MinAppraisedValue: cfg.MinAppraisedValue,
		LTVCeilingBps:     cfg.LTVCeilingBps,
		CustodyAddress:    cfg.CustodyAddress,
	}, st,
		tokenclient.New(cfg.TokenBaseURL, cfg.TokenBearer),
		custodyclient.New(cfg.CustodyBaseURL, cfg.CustodyBearer),
		wallets, sink)

	srv := &server{cfg: cfg, pool: pool, st: st, eng: eng}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/escrow", func(api chi.Router) {
		api.Post("/pledges", srv.createPledge)
		api.Get("/pledges", srv.listPledges)
		api.Get("/pledges/{pledge_id}", srv.getPledge)
		api.Get("/pledges/{pledge_id}/events", srv.listEvents)
		api.Post("/pledges/{pledge_id}/document", srv.updateDocument)
		api.Post("/pledges/{pledge_id}:approve", srv.approvePledge)
		api.Post("/pledges/{pledge_id}:reject", srv.rejectPledge)
		api.Post("/pledges/{pledge_id}:mint", srv.mintTokens)
		api.Post("/pledges/{pledge_id}:redeem", srv.redeemPledge)
		api.Post("/pledges/{pledge_id}:default", srv.markDefaulted)
	})

	log.Printf("escrow: listening on :%s (ltv ceiling %d bps, min value %d)", cfg.Port, cfg.LTVCeilingBps, cfg.MinAppraisedValue)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatalf("escrow: %v", err)
	}
}
