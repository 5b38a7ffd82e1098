package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/authn"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/config"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/db"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/httpx"
	"github.com/PBC2212/token-pathway-hub-sub002/services/token/internal/store"
)

type serverConfig struct {
	Port string `env:"SERVICE_PORT" envDefault:"8082"`

	// When set, every known category is registered to this token at
	// startup. Registration is set-once, so restarts never clobber an
	// authority that was transferred since.
	BootstrapAuthorityToken string `env:"AUTHORITY_BOOTSTRAP_TOKEN"`
}

type server struct {
	pool *pgxpool.Pool
	st   *store.Store
}

func main() {
	var cfg serverConfig
	config.MustParseEnv(&cfg)

	pool := db.MustConnect()
	st := store.New(pool)
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("token: migrate: %v", err)
	}
	if cfg.BootstrapAuthorityToken != "" {
		hash := authn.HashToken(cfg.BootstrapAuthorityToken)
		for _, cat := range domain.Categories {
			created, err := st.RegisterCategory(ctx, cat, hash)
			if err != nil {
				log.Fatalf("token: bootstrap registry: %v", err)
			}
			if created {
				log.Printf("token: registered category %s", cat)
			}
		}
	}
	srv := &server{pool: pool, st: st}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/token", func(api chi.Router) {
		api.Post("/registry", srv.registerCategory)
		api.Post("/registry/{category}:transferAuthority", srv.transferAuthority)
		api.Post("/mint", srv.mint)
		api.Post("/burn", srv.burn)
		api.Post("/transfer", srv.transfer)
		api.Get("/balances", srv.balances)
		api.Get("/supply", srv.supply)
	})

	log.Printf("token: listening on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatalf("token: %v", err)
	}
}

// requireAuthority checks the bearer against the category's registered
// authority. 403 carries FORBIDDEN for a wrong token and UNAUTHORIZED
// when the header is missing entirely.
func (s *server) requireAuthority(w http.ResponseWriter, r *http.Request, category domain.AssetCategory) bool {
	token, ok := authn.ParseBearerToken(r.Header.Get("Authorization"))
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "missing bearer token", nil)
		return false
	}
	want, err := s.st.AuthorityHash(r.Context(), category)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return false
	}
	if want == "" {
		httpx.WriteError(w, http.StatusNotFound, domain.CodeNotFound, "category not registered", nil)
		return false
	}
	if authn.HashToken(token) != want {
		httpx.WriteError(w, http.StatusForbidden, domain.CodeForbidden, "caller is not the minting authority for "+string(category), nil)
		return false
	}
	return true
}

func (s *server) registerCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category       string `json:"category"`
		AuthorityToken string `json:"authority_token"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	cat := domain.AssetCategory(req.Category)
	if !domain.ValidCategory(cat) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidCategory, "unknown asset category", nil)
		return
	}
	if req.AuthorityToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "authority_token is required", nil)
		return
	}
	created, err := s.st.RegisterCategory(r.Context(), cat, authn.HashToken(req.AuthorityToken))
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if !created {
		httpx.WriteError(w, http.StatusConflict, "ALREADY_REGISTERED", "category already has a minting authority", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"category":   cat,
		"registered": true,
	})
}

func (s *server) transferAuthority(w http.ResponseWriter, r *http.Request) {
	cat := domain.AssetCategory(chi.URLParam(r, "category"))
	if !domain.ValidCategory(cat) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidCategory, "unknown asset category", nil)
		return
	}
	if !s.requireAuthority(w, r, cat) {
		return
	}
	var req struct {
		NewAuthorityToken string `json:"new_authority_token"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.NewAuthorityToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "new_authority_token is required", nil)
		return
	}
	ok, err := s.st.TransferAuthority(r.Context(), cat, authn.HashToken(req.NewAuthorityToken), "authority")
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, domain.CodeNotFound, "category not registered", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":  httpx.NewRequestID(),
		"category":    cat,
		"transferred": true,
	})
}

func (s *server) mint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
		To       string `json:"to"`
		Amount   int64  `json:"amount"`
		PledgeID string `json:"pledge_id"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	cat := domain.AssetCategory(req.Category)
	if !domain.ValidCategory(cat) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidCategory, "unknown asset category", nil)
		return
	}
	if !s.requireAuthority(w, r, cat) {
		return
	}
	if req.Amount <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidAmount, "amount must be positive", nil)
		return
	}
	if req.To == "" || req.PledgeID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "to and pledge_id are required", nil)
		return
	}
	rec, created, err := s.st.Mint(r.Context(), store.MintRecord{
		PledgeID:  req.PledgeID,
		Category:  cat,
		Recipient: req.To,
		Amount:    req.Amount,
	})
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if !created {
		if !replayMatches(rec, cat, req.To, req.Amount) {
			httpx.WriteError(w, http.StatusConflict, domain.CodeAlreadyMinted,
				"pledge already minted with different parameters", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"request_id":     httpx.NewRequestID(),
			"mint":           rec,
			"already_minted": true,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id":     httpx.NewRequestID(),
		"mint":           rec,
		"already_minted": false,
	})
}

// replayMatches decides whether a mint request that hit an existing
// token_mints row is a retry of the original call. Only an exact match
// replays as success; anything else would be a second issuance for the
// same pledge and must be refused.
func replayMatches(rec *store.MintRecord, category domain.AssetCategory, to string, amount int64) bool {
	return rec.Category == category && rec.Recipient == to && rec.Amount == amount
}

func (s *server) burn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
		From     string `json:"from"`
		Amount   int64  `json:"amount"`
		PledgeID string `json:"pledge_id"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	cat := domain.AssetCategory(req.Category)
	if !domain.ValidCategory(cat) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidCategory, "unknown asset category", nil)
		return
	}
	if !s.requireAuthority(w, r, cat) {
		return
	}
	if req.Amount <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidAmount, "amount must be positive", nil)
		return
	}
	if req.From == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "from is required", nil)
		return
	}
	ok, already, err := s.st.Burn(r.Context(), cat, req.From, req.Amount, req.PledgeID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if already {
		if !ok {
			httpx.WriteError(w, http.StatusConflict, domain.CodeAmountMismatch,
				"pledge already burned with different parameters", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"request_id":     httpx.NewRequestID(),
			"burned":         req.Amount,
			"already_burned": true,
		})
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusConflict, domain.CodeInsufficientBalance, "holder balance is below the burn amount", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"burned":     req.Amount,
	})
}

// transfer moves tokens between holders. Unlike mint and burn it is not
// authority-gated: the sender authenticates with their own credential
// and can only move their own balance.
func (s *server) transfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /token/transfer"
	id, err := authn.AuthenticateBearer(r.Context(), s.pool, r.Header.Get("Authorization"))
	if err != nil {
		authn.LogAuthFailure(r.Context(), s.pool, "token", endpoint, "", "bad bearer token", nil)
		httpx.WriteError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "missing or invalid bearer token", nil)
		return
	}
	var req struct {
		Category string `json:"category"`
		From     string `json:"from"`
		To       string `json:"to"`
		Amount   int64  `json:"amount"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	cat := domain.AssetCategory(req.Category)
	if !domain.ValidCategory(cat) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidCategory, "unknown asset category", nil)
		return
	}
	if req.From == "" {
		req.From = id.SubjectID
	}
	if req.From != id.SubjectID {
		authn.LogAuthFailure(r.Context(), s.pool, "token", endpoint, id.SubjectID, "caller is not the sending holder", nil)
		httpx.WriteError(w, http.StatusForbidden, domain.CodeForbidden, "caller can only transfer their own balance", nil)
		return
	}
	if req.Amount <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidAmount, "amount must be positive", nil)
		return
	}
	if req.To == "" || req.To == req.From {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "to must name a different holder", nil)
		return
	}
	ok, err := s.st.Transfer(r.Context(), cat, req.From, req.To, req.Amount)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusConflict, domain.CodeInsufficientBalance, "sender balance is below the transfer amount", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":  httpx.NewRequestID(),
		"category":    cat,
		"from":        req.From,
		"to":          req.To,
		"transferred": req.Amount,
	})
}

func (s *server) balances(w http.ResponseWriter, r *http.Request) {
	cat := domain.AssetCategory(r.URL.Query().Get("category"))
	holder := r.URL.Query().Get("holder")
	if !domain.ValidCategory(cat) || holder == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "category and holder query parameters are required", nil)
		return
	}
	b, err := s.st.Balance(r.Context(), cat, holder)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"category":   cat,
		"holder":     holder,
		"balance":    b,
	})
}

func (s *server) supply(w http.ResponseWriter, r *http.Request) {
	cat := domain.AssetCategory(r.URL.Query().Get("category"))
	if !domain.ValidCategory(cat) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidCategory, "unknown asset category", nil)
		return
	}
	sup, err := s.st.CategorySupply(r.Context(), cat)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"supply":     sup,
	})
}
