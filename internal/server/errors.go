package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/whiscribe/whiscribe/internal/validation"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}

// invalidInput turns a validation failure into a 422 carrying the
// offending fields.
func invalidInput(code string, err error) *echo.HTTPError {
	apiErr := NewAPIError(code, err.Error())
	var verr *validation.Error
	if errors.As(err, &verr) {
		apiErr.WithDetails(verr.Fields)
	}
	return apiErr.ToHTTP(http.StatusUnprocessableEntity)
}

// asAPIError normalizes anything a handler or middleware returned.
func asAPIError(err error) (int, *APIError) {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		return http.StatusInternalServerError, NewAPIError("internal_error", http.StatusText(http.StatusInternalServerError))
	}

	if apiErr, ok := he.Message.(*APIError); ok {
		return he.Code, apiErr
	}
	code := strings.ReplaceAll(strings.ToLower(http.StatusText(he.Code)), " ", "_")
	if code == "" {
		code = "error"
	}
	return he.Code, NewAPIError(code, fmt.Sprint(he.Message))
}
