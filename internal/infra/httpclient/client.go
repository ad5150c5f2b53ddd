package httpclient

import (
	"net/http"
	"time"
)

const defaultTimeout = 20 * time.Second

// New returns a client for outbound provider calls. A non-positive timeout
// falls back to the default.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
