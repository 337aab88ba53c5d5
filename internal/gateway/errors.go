package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

const maxDetailBytes = 200

var (
	// ErrRequestFailed matches every non-2xx response surfaced to callers.
	ErrRequestFailed = errors.New("request failed")
	// ErrUnauthorized matches 401 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict matches 409 responses, e.g. a stale thread version.
	ErrConflict = errors.New("version conflict")
)

// RequestError describes a non-2xx response.
type RequestError struct {
	Status int
	Method string
	Path   string
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
}

// Is lets errors.Is match the sentinel errors by status.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrRequestFailed:
		return true
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

func newRequestError(req *Request, resp *Response) *RequestError {
	return &RequestError{
		Status: resp.Status,
		Method: req.Method,
		Path:   req.Path,
		Detail: errorDetail(resp.Body),
	}
}

// errorDetail extracts {"detail": ...} from an error body, falling back to
// the raw text.
func errorDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return s
		}
		return string(payload.Detail)
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxDetailBytes {
		cut := maxDetailBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}
