package staticcache

import (
	"fmt"
	"net/http"
)

// Client is the part of *http.Client the cache needs. Any implementation
// works; tests substitute a scripted double.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports an HTTP error response (status 400-599).
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// errorForStatus returns a *StatusError if resp carries an HTTP error
// status, nil otherwise. The response body is left open either way.
func errorForStatus(resp *http.Response, url string) error {
	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		return &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        url,
		}
	}
	return nil
}
