package errors

import (
	"net/http"
	"time"
)

// ProblemDetails is an RFC 7807 problem document used by the HTTP surface.
type ProblemDetails struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Status    int       `json:"status"`
	Detail    string    `json:"detail"`
	Instance  string    `json:"instance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const problemTypeBase = "https://api.liquidityflow.io/errors/"

// statusFor maps error kinds onto HTTP status codes.
func statusFor(kind Kind) (int, string) {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest, "Validation Error"
	case KindAuthentication:
		return http.StatusUnauthorized, "Unauthorized"
	case KindDataUnavailable:
		return http.StatusNotFound, "Data Unavailable"
	case KindConnection:
		return http.StatusServiceUnavailable, "Upstream Connection Error"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// Problem renders err as an RFC 7807 document for the given request path.
// Unknown errors become a generic internal error without leaking detail.
func Problem(err error, instance string) *ProblemDetails {
	kind := KindOf(err)
	status, title := statusFor(kind)
	detail := "something went wrong"
	if kind != "" {
		detail = err.Error()
	}
	typ := problemTypeBase + "internal-error"
	if kind != "" {
		typ = problemTypeBase + string(kind)
	}
	return &ProblemDetails{
		Type:      typ,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}
