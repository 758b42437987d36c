package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/relationship"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error codes returned in ErrorDetail.Code.
const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeContextOverflow     = "CONTEXT_OVERFLOW"
	ErrCodeTooManyRequests     = "TOO_MANY_REQUESTS"
	ErrCodeInternalServer      = "INTERNAL_SERVER_ERROR"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout      = "GATEWAY_TIMEOUT"
	ErrCodeRequestCanceled     = "REQUEST_CANCELED"
)

// StatusClientClosedRequest is used when the caller went away before the
// reply was ready.
const StatusClientClosedRequest = 499

// statusRules is checked in order; the first rule with a matching sentinel
// decides the status.
var statusRules = []struct {
	status int
	errs   []error
}{
	{http.StatusBadRequest, []error{
		conversation.ErrInvalidInput,
		relationship.ErrInvalidInput,
		affinity.ErrInvalidAffinity,
		affinity.ErrInvalidDelta,
		affinity.ErrUnknownTier,
	}},
	{http.StatusForbidden, []error{conversation.ErrForbidden}},
	{http.StatusNotFound, []error{conversation.ErrNotFound, relationship.ErrNotFound}},
	{http.StatusUnprocessableEntity, []error{conversation.ErrContextOverflow}},
	{http.StatusServiceUnavailable, []error{relationship.ErrRecordStoreUnavailable}},
	{http.StatusGatewayTimeout, []error{provider.ErrProviderTimeout, context.DeadlineExceeded}},
	{http.StatusBadGateway, []error{provider.ErrProviderUnavailable, provider.ErrEmptyResponse}},
	{StatusClientClosedRequest, []error{context.Canceled}},
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusUnauthorized:        ErrCodeUnauthorized,
	http.StatusForbidden:           ErrCodeForbidden,
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusMethodNotAllowed:    ErrCodeMethodNotAllowed,
	http.StatusUnprocessableEntity: ErrCodeContextOverflow,
	http.StatusTooManyRequests:     ErrCodeTooManyRequests,
	http.StatusBadGateway:          ErrCodeProviderUnavailable,
	http.StatusServiceUnavailable:  ErrCodeServiceUnavailable,
	http.StatusGatewayTimeout:      ErrCodeGatewayTimeout,
	StatusClientClosedRequest:      ErrCodeRequestCanceled,
}

// HTTPStatusFromError maps engine errors to a status. Anything unrecognised
// is a 500.
func HTTPStatusFromError(err error) int {
	for _, rule := range statusRules {
		for _, target := range rule.errs {
			if errors.Is(err, target) {
				return rule.status
			}
		}
	}
	return http.StatusInternalServerError
}

// ErrorCodeFromStatus returns the ErrorDetail code used for status.
func ErrorCodeFromStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalServer
}

// HandleError writes the response matching err. The text of a 500 is
// replaced so internals never reach the client.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	Error(w, status, ErrorCodeFromStatus(status), message, requestID)
}
