package domain

import "fmt"

// ErrorKind buckets every rejected operation by how the caller should
// react: fix the input, respect the lifecycle ordering, obtain authority,
// or retry against the underlying resource.
type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION"
	KindPrecondition ErrorKind = "PRECONDITION"
	KindAuthority    ErrorKind = "AUTHORITY"
	KindResource     ErrorKind = "RESOURCE"
)

const (
	CodeInvalidCategory     = "INVALID_CATEGORY"
	CodeValueBelowMinimum   = "VALUE_BELOW_MINIMUM"
	CodeInvalidFingerprint  = "INVALID_FINGERPRINT"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeLTVCeilingExceeded  = "LTV_CEILING_EXCEEDED"
	CodeNotPending          = "NOT_PENDING"
	CodeNotApproved         = "NOT_APPROVED"
	CodeAlreadyMinted       = "ALREADY_MINTED"
	CodeNotMinted           = "NOT_MINTED"
	CodeAlreadyVerified     = "ALREADY_VERIFIED"
	CodeAmountMismatch      = "AMOUNT_MISMATCH"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeDBError             = "DB_ERROR"
	CodeTokenService        = "TOKEN_SERVICE_ERROR"
	CodeCustodyService      = "CUSTODY_SERVICE_ERROR"
)

type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Precondition(code, format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Authority(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthority, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Resource(code, format string, args ...any) *Error {
	return &Error{Kind: KindResource, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps err into a domain error if it is one.
func AsError(err error) (*Error, bool) {
	de, ok := err.(*Error)
	return de, ok
}
