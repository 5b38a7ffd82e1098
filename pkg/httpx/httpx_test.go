package httpx

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
)

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Error.Code
}

func TestWriteDomainErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.Validation(domain.CodeInvalidCategory, "bad category"), 400, domain.CodeInvalidCategory},
		{domain.Precondition(domain.CodeNotPending, "already decided"), 409, domain.CodeNotPending},
		{domain.Authority(domain.CodeForbidden, "approver role required"), 403, domain.CodeForbidden},
		{domain.Authority(domain.CodeUnauthorized, "missing bearer"), 401, domain.CodeUnauthorized},
		{domain.Resource(domain.CodeTokenService, "mint call failed"), 502, domain.CodeTokenService},
		{domain.Precondition(domain.CodeNotFound, "no such pledge"), 404, domain.CodeNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteDomainError(rec, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.code, tc.status, rec.Code)
		}
		if got := decodeErrorCode(t, rec.Body.Bytes()); got != tc.code {
			t.Fatalf("expected code %s, got %s", tc.code, got)
		}
	}
}

func TestWriteDomainErrorPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, errPlain{})
	if rec.Code != 500 {
		t.Fatalf("expected 500 for non-domain error, got %d", rec.Code)
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "plain" }
