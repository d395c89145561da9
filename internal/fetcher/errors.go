// Package fetcher holds what the page fetchers share.
package fetcher

import (
	"fmt"
	"net/http"
)

// FetchError reports a page that could not be retrieved: a transport failure,
// a timeout, a canceled context or a non-success HTTP status.
type FetchError struct {
	URL string
	// StatusCode is zero when no response was received.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the same request cannot help. Client errors
// other than 408 and 429 are permanent.
func (e *FetchError) Permanent() bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	return e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}
