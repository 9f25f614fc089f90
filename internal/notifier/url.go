package notifier

import (
	"fmt"
	"net/url"
)

type parsedURL struct {
	hostname string
}

// parseHTTPURL parses rawURL, requiring an http(s) scheme and a host —
// any other scheme (file://, ftp://, gopher://) is a red flag in a
// webhook-URL context and rejected outright.
func parseHTTPURL(rawURL string) (*parsedURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url scheme %q is not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("webhook url has no host")
	}
	return &parsedURL{hostname: u.Hostname()}, nil
}
