package link

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MaxTargetLength caps the stored target URL in bytes.
const MaxTargetLength = 4096

var (
	// ErrInvalidTarget is returned when a target URL fails validation.
	ErrInvalidTarget = errors.New("invalid target URL")

	// ErrTargetDenied is returned when the target host matches an entry
	// in features.deny_hosts.
	ErrTargetDenied = errors.New("target host is denied")
)

// ValidateTarget checks a redirect target: it must parse as an absolute
// http or https URL with a host, carry no credentials, stay within
// MaxTargetLength and not land on a denied host. Deny entries match the
// host itself and any subdomain of it.
func ValidateTarget(target string, denyHosts []string) error {
	if target == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	if len(target) > MaxTargetLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTarget, MaxTargetLength)
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidTarget, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	if u.User != nil {
		return fmt.Errorf("%w: credentials are not allowed", ErrInvalidTarget)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")

	for _, deny := range denyHosts {
		deny = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(deny)), ".")
		if deny == "" {
			continue
		}

		if host == deny || strings.HasSuffix(host, "."+deny) {
			return fmt.Errorf("%w: %q", ErrTargetDenied, host)
		}
	}

	return nil
}
