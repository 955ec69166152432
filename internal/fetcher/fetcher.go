// Package fetcher defines the result and error types shared by item fetchers.
package fetcher

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Result describes a completed HTTP exchange for one work item.
type Result struct {
	// URL is the address exactly as it was submitted.
	URL string
	// FinalURL is the address after redirects.
	FinalURL   string
	StatusCode int
	Bytes      int
	Duration   time.Duration
}

// StatusError reports a response whose status code is not 2xx.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) for %s", e.Code, StatusText(e.Code), e.URL)
}

// IsSuccess reports whether code is a 2xx status.
func IsSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

// StatusText renders code as a compact identifier, e.g. 404 -> "NotFound".
// Unknown codes fall back to their decimal form.
func StatusText(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return strconv.Itoa(code)
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, text)
}
