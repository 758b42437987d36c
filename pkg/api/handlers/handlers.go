// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/heartline/heartline/pkg/api/middleware"
	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/logger"
)

const maxBodyBytes = 1 << 20

// newValidator returns a validator reporting json field names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. On failure the error
// response has been written and false is returned.
func decode(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body: "+err.Error(), middleware.GetRequestID(r.Context()))
		return false
	}
	if err := v.Struct(dst); err != nil {
		details := map[string]interface{}{}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fieldMessage(fe)
			}
		}
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "validation failed", details, middleware.GetRequestID(r.Context()))
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "excludesall":
		return fmt.Sprintf("must not contain any of %q", fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}

// currentUser returns the authenticated user. The router guarantees it for
// every /api route.
func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, response.ErrCodeUnauthorized, "missing user", middleware.GetRequestID(r.Context()))
	}
	return userID, ok
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, msg, middleware.GetRequestID(r.Context()))
}

// fail maps err to a response. Server side failures are logged.
func fail(w http.ResponseWriter, r *http.Request, log logger.Logger, msg string, err error) {
	if status := response.HTTPStatusFromError(err); status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), msg, "error", err, "request_id", middleware.GetRequestID(r.Context()))
	}
	response.HandleError(w, err, middleware.GetRequestID(r.Context()))
}
