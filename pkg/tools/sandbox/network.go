package sandbox

import (
	"net/http"
	"time"
)

type deniedTransport struct{}

func (deniedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return nil, &ViolationError{Path: req.URL.String(), Reason: ErrNetworkDenied.Error()}
}

// HTTPClient returns the client a tool may use. Without the network
// capability every request fails with a sandbox violation.
func HTTPClient(network bool, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if !network {
		return &http.Client{Transport: deniedTransport{}, Timeout: timeout}
	}
	return &http.Client{Timeout: timeout}
}
