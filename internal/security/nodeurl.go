package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ValidateNodeURL checks a configured peer URL and returns its normalized
// form. Only http and https are accepted, the host must be present, and
// internationalized hostnames are normalized to their ASCII (punycode) form
// so catalogs and logs agree on one spelling.
func ValidateNodeURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		// The config format allows bare host:port.
		raw = "http://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid node url %q: %w", raw, err)
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid node url %q: scheme must be http or https", raw)
	}

	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("invalid node url %q: missing host", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("invalid node url %q: must not carry a path", raw)
	}

	// Normalize non-ASCII hostnames; IP literals pass through untouched.
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("invalid node url %q: hostname: %w", raw, err)
		}
		if ascii != host {
			if port := parsed.Port(); port != "" {
				parsed.Host = net.JoinHostPort(ascii, port)
			} else {
				parsed.Host = ascii
			}
		}
	}

	parsed.Path = ""
	return strings.TrimSuffix(parsed.String(), "/"), nil
}
