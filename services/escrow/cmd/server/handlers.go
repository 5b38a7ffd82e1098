package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/authn"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
	"github.com/PBC2212/token-pathway-hub-sub002/pkg/httpx"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/engine"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/idempotency"
	"github.com/PBC2212/token-pathway-hub-sub002/services/escrow/internal/store"
)

type server struct {
	cfg  serverConfig
	pool *pgxpool.Pool
	st   *store.Store
	eng  *engine.Engine
}

// bearerIdentity resolves the machine-caller credential, recording the
// failure before rejecting.
func (s *server) bearerIdentity(w http.ResponseWriter, r *http.Request, endpoint string) *authn.Identity {
	id, err := authn.AuthenticateBearer(r.Context(), s.pool, r.Header.Get("Authorization"))
	if err != nil {
		authn.LogAuthFailure(r.Context(), s.pool, "escrow", endpoint, "", "bad bearer token", nil)
		httpx.WriteError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "missing or invalid bearer token", nil)
		return nil
	}
	return id
}

// approverIdentity verifies the admin JWT and the APPROVER role.
func (s *server) approverIdentity(w http.ResponseWriter, r *http.Request, endpoint string) *authn.ApproverClaims {
	token, ok := authn.ParseBearerToken(r.Header.Get("Authorization"))
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "missing approver token", nil)
		return nil
	}
	claims, err := authn.VerifyApprover([]byte(s.cfg.ApproverJWTSecret), token)
	if err != nil {
		authn.LogAuthFailure(r.Context(), s.pool, "escrow", endpoint, "", "approver token rejected", map[string]any{"error": err.Error()})
		if err == authn.ErrApproverRequired {
			httpx.WriteError(w, http.StatusForbidden, domain.CodeForbidden, "approver role required", nil)
		} else {
			httpx.WriteError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "invalid approver token", nil)
		}
		return nil
	}
	return claims
}

// replay short-circuits a retried mutation; writeSaved stores the response
// for the next retry. Keys are scoped per subject and endpoint.
func (s *server) replay(w http.ResponseWriter, r *http.Request, subjectID, endpoint string) bool {
	key := r.Header.Get("Idempotency-Key")
	status, body, replayed, err := idempotency.Replay(r.Context(), s.st, subjectID, key, endpoint)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return true
	}
	if !replayed {
		return false
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return true
}

func (s *server) writeSaved(w http.ResponseWriter, r *http.Request, subjectID, endpoint string, status int, payload any) {
	body, _ := json.Marshal(payload)
	key := r.Header.Get("Idempotency-Key")
	if err := idempotency.Save(r.Context(), s.st, subjectID, key, endpoint, status, body); err != nil {
		// The operation committed; a failed replay save only costs the
		// retry shortcut.
		httpx.WriteJSON(w, status, payload)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *server) createPledge(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /escrow/pledges"
	id := s.bearerIdentity(w, r, endpoint)
	if id == nil {
		return
	}
	if s.replay(w, r, id.SubjectID, endpoint) {
		return
	}
	var req struct {
		Category            string `json:"category"`
		AppraisedValue      int64  `json:"appraised_value"`
		DocumentFingerprint string `json:"document_fingerprint"`
		MetadataRef         string `json:"metadata_ref"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	p, err := s.eng.CreatePledge(r.Context(), engine.CreatePledgeInput{
		Owner:               id.SubjectID,
		Category:            domain.AssetCategory(req.Category),
		AppraisedValue:      req.AppraisedValue,
		DocumentFingerprint: req.DocumentFingerprint,
		MetadataRef:         req.MetadataRef,
	})
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	s.writeSaved(w, r, id.SubjectID, endpoint, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"pledge":     p,
	})
}

func (s *server) getPledge(w http.ResponseWriter, r *http.Request) {
	if s.bearerIdentity(w, r, "GET /escrow/pledges/{pledge_id}") == nil {
		return
	}
	p, err := s.eng.GetPledgeInfo(r.Context(), chi.URLParam(r, "pledge_id"))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "pledge": p})
}

func (s *server) listPledges(w http.ResponseWriter, r *http.Request) {
	id := s.bearerIdentity(w, r, "GET /escrow/pledges")
	if id == nil {
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = id.SubjectID
	}
	pledges, err := s.eng.GetPledgesByOwner(r.Context(), owner)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "owner": owner, "pledges": pledges})
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.bearerIdentity(w, r, "GET /escrow/pledges/{pledge_id}/events") == nil {
		return
	}
	events, err := s.eng.ListEvents(r.Context(), chi.URLParam(r, "pledge_id"))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
}

func (s *server) updateDocument(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /escrow/pledges/{pledge_id}/document"
	id := s.bearerIdentity(w, r, endpoint)
	if id == nil {
		return
	}
	pledgeID := chi.URLParam(r, "pledge_id")
	var req struct {
		DocumentFingerprint string `json:"document_fingerprint"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if !s.requireOwner(w, r, pledgeID, id.SubjectID) {
		return
	}
	if err := s.eng.UpdateDocument(r.Context(), pledgeID, req.DocumentFingerprint, id.SubjectID); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "pledge_id": pledgeID, "document_fingerprint": req.DocumentFingerprint})
}

func (s *server) approvePledge(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /escrow/pledges/{pledge_id}:approve"
	claims := s.approverIdentity(w, r, endpoint)
	if claims == nil {
		return
	}
	pledgeID := chi.URLParam(r, "pledge_id")
	var req struct {
		TokenAmount int64 `json:"token_amount"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if err := s.eng.ApprovePledge(r.Context(), pledgeID, req.TokenAmount, claims.Subject); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"pledge_id":  pledgeID,
		"status":     domain.StatusApproved,
		"token_amount": req.TokenAmount,
	})
}

func (s *server) rejectPledge(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /escrow/pledges/{pledge_id}:reject"
	claims := s.approverIdentity(w, r, endpoint)
	if claims == nil {
		return
	}
	pledgeID := chi.URLParam(r, "pledge_id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if err := s.eng.RejectPledge(r.Context(), pledgeID, req.Reason, claims.Subject); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"pledge_id":  pledgeID,
		"status":     domain.StatusRejected,
	})
}

func (s *server) mintTokens(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /escrow/pledges/{pledge_id}:mint"
	id := s.bearerIdentity(w, r, endpoint)
	if id == nil {
		return
	}
	pledgeID := chi.URLParam(r, "pledge_id")
	if s.replay(w, r, id.SubjectID, endpoint+" "+pledgeID) {
		return
	}
	if !s.requireOwner(w, r, pledgeID, id.SubjectID) {
		return
	}
	if err := s.eng.MintTokens(r.Context(), pledgeID, id.SubjectID); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	s.writeSaved(w, r, id.SubjectID, endpoint+" "+pledgeID, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"pledge_id":  pledgeID,
		"status":     domain.StatusTokensMinted,
	})
}

func (s *server) redeemPledge(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /escrow/pledges/{pledge_id}:redeem"
	id := s.bearerIdentity(w, r, endpoint)
	if id == nil {
		return
	}
	pledgeID := chi.URLParam(r, "pledge_id")
	var req struct {
		BurnAmount int64 `json:"burn_amount"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if !s.requireOwner(w, r, pledgeID, id.SubjectID) {
		return
	}
	if err := s.eng.RedeemPledge(r.Context(), pledgeID, req.BurnAmount, id.SubjectID); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":  httpx.NewRequestID(),
		"pledge_id":   pledgeID,
		"status":      domain.StatusRedeemed,
		"burn_amount": req.BurnAmount,
	})
}

func (s *server) markDefaulted(w http.ResponseWriter, r *http.Request) {
	const endpoint = "POST /escrow/pledges/{pledge_id}:default"
	claims := s.approverIdentity(w, r, endpoint)
	if claims == nil {
		return
	}
	pledgeID := chi.URLParam(r, "pledge_id")
	if err := s.eng.MarkDefaulted(r.Context(), pledgeID, claims.Subject); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"pledge_id":  pledgeID,
		"status":     domain.StatusDefaulted,
	})
}

// requireOwner rejects owner-scoped mutations coming from a different
// subject. Approver-scoped operations never pass through here.
func (s *server) requireOwner(w http.ResponseWriter, r *http.Request, pledgeID, subjectID string) bool {
	p, err := s.eng.GetPledgeInfo(r.Context(), pledgeID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return false
	}
	if p.Owner != subjectID {
		authn.LogAuthFailure(r.Context(), s.pool, "escrow", r.URL.Path, subjectID, "caller is not the pledge owner", map[string]any{"pledge_id": pledgeID})
		httpx.WriteError(w, http.StatusForbidden, domain.CodeForbidden, "caller is not the pledge owner", nil)
		return false
	}
	return true
}
