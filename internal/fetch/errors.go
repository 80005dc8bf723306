package fetch

import (
	"fmt"
	"strings"
)

// HTTPError summarizes a non-2xx response. Snippet is a truncated hint of
// the body with the bearer token scrubbed.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Snippet    string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "http error"
	}
	msg := fmt.Sprintf("http error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status))
	if s := strings.TrimSpace(e.Snippet); s != "" {
		msg += " body=" + s
	}
	return msg
}

// APIError is a non-zero application status inside an otherwise
// successful response envelope. Code is the status as sent.
type APIError struct {
	Code    string
	Message string
	Page    int
}

func (e *APIError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("api error on page %d: code=%s message=%q", e.Page, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: code=%s message=%q", e.Code, e.Message)
}

const snippetMax = 256

func snippet(body []byte, secret string) string {
	if len(body) == 0 {
		return ""
	}
	b := body
	if len(b) > snippetMax {
		b = b[:snippetMax]
	}
	s := string(b)
	if secret != "" {
		s = strings.ReplaceAll(s, secret, "[REDACTED]")
	}
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s != "" && len(body) > snippetMax {
		s += "..."
	}
	return s
}
