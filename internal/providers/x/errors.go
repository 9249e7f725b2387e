package x

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/newsletter-threader/internal/social"
)

// APIError is a non-2xx response. It unwraps to one of the social
// sentinels when the response maps onto one.
type APIError struct {
	Status  int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("x api: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// errorBody covers both the problem-details shape and the legacy errors array.
type errorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func newAPIError(status int, raw []byte) *APIError {
	msg := strings.TrimSpace(string(raw))
	var body errorBody
	if json.Unmarshal(raw, &body) == nil {
		parts := make([]string, 0, len(body.Errors)+1)
		if body.Detail != "" {
			parts = append(parts, body.Detail)
		} else if body.Title != "" {
			parts = append(parts, body.Title)
		}
		for _, e := range body.Errors {
			if e.Message != "" {
				parts = append(parts, e.Message)
			}
		}
		if len(parts) > 0 {
			msg = strings.Join(parts, "; ")
		}
	}
	return &APIError{Status: status, Message: msg, kind: classify(status, msg)}
}

func classify(status int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusUnauthorized:
		return social.ErrUnauthorized
	case status == http.StatusTooManyRequests:
		return social.ErrRateLimited
	case strings.Contains(lower, "deleted or not visible"):
		return social.ErrParentUnavailable
	case strings.Contains(lower, "too long"),
		strings.Contains(lower, "duplicate content"),
		strings.Contains(lower, "text length"):
		return social.ErrInvalidContent
	}
	return nil
}

func tokenError(re *oauth2.RetrieveError) *APIError {
	status := http.StatusUnauthorized
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	msg := re.ErrorCode
	if msg == "" {
		msg = strings.TrimSpace(string(re.Body))
	}
	return &APIError{Status: status, Message: "token refresh: " + msg, kind: social.ErrUnauthorized}
}
