package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/PBC2212/token-pathway-hub-sub002/pkg/domain"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteDomainError maps the error taxonomy onto HTTP statuses: validation
// failures are the caller's input (400), precondition failures are
// lifecycle-ordering conflicts (409), authority failures are forbidden
// (403), and resource failures are upstream trouble the caller may retry
// (502). Anything else is a plain 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		WriteError(w, http.StatusInternalServerError, domain.CodeDBError, err.Error(), nil)
		return
	}
	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindPrecondition:
		status = http.StatusConflict
	case domain.KindAuthority:
		status = http.StatusForbidden
	case domain.KindResource:
		status = http.StatusBadGateway
	}
	if de.Code == domain.CodeNotFound {
		status = http.StatusNotFound
	}
	if de.Code == domain.CodeUnauthorized {
		status = http.StatusUnauthorized
	}
	WriteError(w, status, de.Code, de.Message, nil)
}
