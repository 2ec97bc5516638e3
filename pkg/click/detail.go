// Package click implements the click-tracking pipeline: a lock-free
// counter buffer fed by the redirect path, a bounded channel of detailed
// events, and a flusher that periodically folds both into storage and the
// hourly rollups.
package click

import (
	"time"

	"github.com/shortlinker/shortlinker/pkg/helper"
)

// SourceDirect is the derived source for clicks with no referrer and no
// utm_source.
const SourceDirect = "direct"

// refSourcePrefix marks sources derived from the referrer domain.
const refSourcePrefix = "ref:"

// Detail is one recorded click event. Source is derived once at capture
// time via DeriveSource.
type Detail struct {
	Code      string
	At        time.Time
	Referrer  string
	Source    string
	UserAgent string
	IP        string
	Country   string
	City      string
}

// DeriveSource computes the click source: the utm_source parameter when
// present, otherwise the registrable domain of the referrer with a "ref:"
// prefix, otherwise "direct".
func DeriveSource(utmSource, referrer string) string {
	if utmSource != "" {
		return utmSource
	}

	if referrer != "" {
		if domain := helper.RegistrableDomain(referrer); domain != "" {
			return refSourcePrefix + domain
		}
	}

	return SourceDirect
}

const (
	hourBucketLayout = "2006-01-02 15:04"
	dayBucketLayout  = "2006-01-02"
)

// HourBucket formats a time as its UTC hour bucket, "2006-01-02 15:00".
func HourBucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(hourBucketLayout)
}

// DayBucket formats a time as its UTC day bucket, "2006-01-02".
func DayBucket(t time.Time) string {
	return t.UTC().Format(dayBucketLayout)
}
