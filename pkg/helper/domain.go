package helper

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RegistrableDomain reduces a referrer URL to its registrable domain
// (eTLD+1), e.g. "https://news.ycombinator.com/item?id=1" yields
// "ycombinator.com". It returns the bare host when the public suffix
// list has no answer, and "" when rawURL has no parseable host.
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}

	return domain
}
