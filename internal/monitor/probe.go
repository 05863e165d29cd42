package monitor

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"phobos.org.uk/overseer/internal/tlsutil"
)

const (
	// HealthPath is the execution server's health-check endpoint.
	HealthPath = "/healthz"

	probeTimeout = 2 * time.Second
)

// HealthURL derives the HTTP health endpoint from a server URL, mapping
// channel schemes back to HTTP.
func HealthURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = HealthPath
	u.RawQuery = ""
	return u.String(), nil
}

// Probe reports whether the execution server answers its health endpoint.
// A cheap pre-flight for deciding which strategy to prefer before committing
// to a full connection attempt.
func Probe(ctx context.Context, serverURL string) bool {
	healthURL, err := HealthURL(serverURL)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}

	resp, err := tlsutil.NewHTTPClient(probeTimeout).Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
