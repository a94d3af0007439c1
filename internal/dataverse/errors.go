package dataverse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

var (
	ErrAuth             = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrDuplicateContent = errors.New("duplicate content")
)

// APIError is a non-retryable rejection by the server.
type APIError struct {
	Status  int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dataverse: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("dataverse: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// TransferError is returned once a request failed with a transient error
// (network, 429, 5xx) and all retries are used up.
type TransferError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %s", e.Op, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// classify maps a failed response onto the error taxonomy. The second return
// value reports whether the request may be retried.
func classify(gerr *googleapi.Error) (error, bool) {
	msg := message(gerr.Body)
	apiErr := &APIError{Status: gerr.Code, Message: msg}
	switch {
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		apiErr.kind = ErrAuth
	case gerr.Code == http.StatusNotFound:
		apiErr.kind = ErrNotFound
	case gerr.Code == http.StatusConflict:
		apiErr.kind = ErrConflict
	case gerr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "duplicate content"):
		apiErr.kind = ErrDuplicateContent
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return apiErr, true
	}
	return apiErr, false
}

// message pulls the human readable reason out of a Dataverse error body.
func message(body string) string {
	var env struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Message != "" {
		return env.Message
	}
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return body
}
