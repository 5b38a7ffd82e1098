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
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/dochash"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/httpx"
	"github.com/PBC2212/token-pathway-hub-sub002/services/custody/internal/store"
)

type serverConfig struct {
	Port string `env:"SERVICE_PORT" envDefault:"8081"`
}

// RoleEscrow marks the credential of the escrow service, the only caller
// allowed to mint certificates and move custody.
const (
	RoleEscrow   = "ESCROW"
	RoleVerifier = "VERIFIER"
)

type server struct {
	pool *pgxpool.Pool
	st   *store.Store
}

func main() {
	var cfg serverConfig
	config.MustParseEnv(&cfg)

	pool := db.MustConnect()
	st := store.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("custody: migrate: %v", err)
	}
	srv := &server{pool: pool, st: st}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/custody", func(api chi.Router) {
		api.Post("/certificates", srv.mintCertificate)
		api.Get("/certificates", srv.getByPledge)
		api.Get("/certificates/{certificate_id}", srv.getCertificate)
		api.Post("/certificates/{certificate_id}:verify", srv.verifyCertificate)
		api.Post("/certificates/{certificate_id}:transfer", srv.transferCustody)
	})

	log.Printf("custody: listening on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatalf("custody: %v", err)
	}
}

func (s *server) require(w http.ResponseWriter, r *http.Request, endpoint, role string) *authn.Identity {
	id, err := authn.AuthenticateBearer(r.Context(), s.pool, r.Header.Get("Authorization"))
	if err != nil {
		authn.LogAuthFailure(r.Context(), s.pool, "custody", endpoint, "", "bad bearer token", nil)
		httpx.WriteError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "missing or invalid bearer token", nil)
		return nil
	}
	if !authn.HasRole(id.Roles, role) {
		authn.LogAuthFailure(r.Context(), s.pool, "custody", endpoint, id.SubjectID, "missing role "+role, nil)
		httpx.WriteError(w, http.StatusForbidden, domain.CodeForbidden, "caller lacks "+role+" authority", nil)
		return nil
	}
	return id
}

func (s *server) mintCertificate(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, "POST /custody/certificates", RoleEscrow)
	if id == nil {
		return
	}
	var req struct {
		Owner               string `json:"owner"`
		PledgeID            string `json:"pledge_id"`
		Category            string `json:"category"`
		AppraisedValue      int64  `json:"appraised_value"`
		DocumentFingerprint string `json:"document_fingerprint"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.Owner == "" || req.PledgeID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "owner and pledge_id are required", nil)
		return
	}
	if !domain.ValidCategory(domain.AssetCategory(req.Category)) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidCategory, "unknown asset category", nil)
		return
	}
	if !dochash.Valid(req.DocumentFingerprint) {
		httpx.WriteError(w, http.StatusBadRequest, domain.CodeInvalidFingerprint, "malformed document fingerprint", nil)
		return
	}
	cert, created, err := s.st.Mint(r.Context(), store.Certificate{
		CertificateID:       store.NewCertificateID(),
		PledgeID:            req.PledgeID,
		Owner:               req.Owner,
		Category:            domain.AssetCategory(req.Category),
		AppraisedValue:      req.AppraisedValue,
		DocumentFingerprint: req.DocumentFingerprint,
	})
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, map[string]any{
		"request_id":  httpx.NewRequestID(),
		"certificate": cert,
		"created":     created,
	})
}

func (s *server) getCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.st.Get(r.Context(), chi.URLParam(r, "certificate_id"))
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if cert == nil {
		httpx.WriteError(w, http.StatusNotFound, domain.CodeNotFound, "certificate not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "certificate": cert})
}

func (s *server) getByPledge(w http.ResponseWriter, r *http.Request) {
	pledgeID := r.URL.Query().Get("pledge_id")
	if pledgeID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "pledge_id query parameter required", nil)
		return
	}
	cert, err := s.st.GetByPledge(r.Context(), pledgeID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if cert == nil {
		httpx.WriteError(w, http.StatusNotFound, domain.CodeNotFound, "no certificate for pledge", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "certificate": cert})
}

func (s *server) verifyCertificate(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, "POST /custody/certificates/{certificate_id}:verify", RoleVerifier)
	if id == nil {
		return
	}
	certID := chi.URLParam(r, "certificate_id")
	cert, err := s.st.Get(r.Context(), certID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if cert == nil {
		httpx.WriteError(w, http.StatusNotFound, domain.CodeNotFound, "certificate not found", nil)
		return
	}
	ok, err := s.st.Verify(r.Context(), certID, id.SubjectID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusConflict, domain.CodeAlreadyVerified, "certificate already verified", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "certificate_id": certID, "verified": true})
}

func (s *server) transferCustody(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, "POST /custody/certificates/{certificate_id}:transfer", RoleEscrow)
	if id == nil {
		return
	}
	certID := chi.URLParam(r, "certificate_id")
	var req struct {
		To string `json:"to"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.To == "" {
		httpx.WriteError(w, http.StatusBadRequest, "MISSING_FIELD", "to is required", nil)
		return
	}
	cert, err := s.st.TransferCustody(r.Context(), certID, req.To, id.SubjectID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	if cert == nil {
		httpx.WriteError(w, http.StatusNotFound, domain.CodeNotFound, "certificate not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "certificate": cert})
}
