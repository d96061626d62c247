package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/moyuren/internal/models"
)

// Cache-Control values
const (
	CacheImmutable = "public, max-age=31536000, immutable"
	CacheToday     = "public, max-age=300"
	CacheTemplates = "public, max-age=3600"
	CacheNoStore   = "no-store"
)

// RequireMethod validates that the HTTP request uses one of the given methods.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	WriteError(w, http.StatusMethodNotAllowed, models.CodeInvalidParameter, "Method not allowed")
	return false
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every API error
type ErrorResponse struct {
	Status string           `json:"status"`
	Code   models.ErrorCode `json:"code"`
	Error  string           `json:"error"`
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, code models.ErrorCode, message string) error {
	return WriteJSON(w, statusCode, ErrorResponse{
		Status: "error",
		Code:   code,
		Error:  message,
	})
}

// WriteAppError maps a domain error to its HTTP status and stable code
func WriteAppError(w http.ResponseWriter, err error) error {
	code := models.CodeOf(err)
	return WriteError(w, StatusFor(err), code, err.Error())
}

// StatusFor returns the HTTP status for a domain error
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownTemplate), errors.Is(err, models.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBusy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WritePending tells the client the artifact is being generated
func WritePending(w http.ResponseWriter, retryAfter time.Duration) error {
	w.Header().Set("Retry-After", RetryAfterSeconds(retryAfter))
	w.Header().Set("Cache-Control", CacheNoStore)
	return WriteError(w, http.StatusServiceUnavailable, models.CodeGenerationBusy, "Image is being generated, retry later")
}

// RetryAfterSeconds formats a duration for the Retry-After header, at least one second
func RetryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// QueryInt reads an integer query parameter, returning fallback when absent
func QueryInt(r *http.Request, name string, fallback int) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalidParameter, name)
	}
	return n, nil
}
