// Package config defines the runtime-reconfigurable settings: a
// code-defined schema of keys, a store that persists their values in the
// system_config table, and an immutable typed snapshot served to hot
// paths through an atomic handle.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Type names how a config value is parsed and validated.
type Type string

const (
	TypeString   Type = "string"
	TypeInt      Type = "int"
	TypeBool     Type = "bool"
	TypeFloat    Type = "float"
	TypeDuration Type = "duration"
	TypeJSON     Type = "json"
	TypeEnum     Type = "enum"
)

// Keys for every config entry. The prefix before the dot is the
// category.
const (
	KeyDefaultURL       = "features.default_url"
	KeyRandomCodeLength = "features.random_code_length"
	KeyClickDetails     = "features.click_details"
	KeyDenyHosts        = "features.deny_hosts"

	KeyAdminToken = "api.admin_token"

	KeyAdminPrefix = "routes.admin_prefix"

	KeyCacheEnabled        = "cache.enabled"
	KeyCacheObjectCapacity = "cache.object_capacity"
	KeyCacheObjectTTL      = "cache.object_ttl"
	KeyCacheObjectIdleTTL  = "cache.object_idle_ttl"
	KeyCacheNegativeTTL    = "cache.negative_ttl"
	KeyCacheBloomFPRate    = "cache.bloom_fp_rate"

	KeyFlushInterval  = "clicks.flush_interval"
	KeyFlushThreshold = "clicks.flush_threshold"
	KeyDetailBuffer   = "clicks.detail_buffer"

	KeyRetentionDays = "analytics.retention_days"

	KeyBackupEnabled     = "backup.enabled"
	KeyBackupSchedule    = "backup.schedule"
	KeyBackupCompression = "backup.compression"
	KeyBackupS3Endpoint  = "backup.s3_endpoint"
	KeyBackupS3Bucket    = "backup.s3_bucket"
	KeyBackupS3AccessKey = "backup.s3_access_key"
	KeyBackupS3SecretKey = "backup.s3_secret_key"
	KeyBackupS3Region    = "backup.s3_region"
	KeyBackupLocalDir    = "backup.local_dir"

	KeyInstanceID = "server.instance_id"
)

// GeneratedDefault is stored in the default_value column for keys whose
// default is computed at seed time rather than fixed in code.
const GeneratedDefault = "(generated)"

// Def is the code-side definition of one config key.
type Def struct {
	Key         string
	Type        Type
	Default     string
	Enum        []string
	Description string

	// Generated defaults (tokens, instance ids) are computed when the
	// row is first seeded; Default is ignored for them.
	Generated bool

	RequiresRestart bool
	Sensitive       bool

	// Validate runs after the type check when set.
	Validate func(value string) error
}

// Category is the key prefix before the first dot.
func (d Def) Category() string {
	if i := strings.IndexByte(d.Key, '.'); i > 0 {
		return d.Key[:i]
	}

	return d.Key
}

// CheckValue validates a raw value against the def: type parse, enum
// membership, then the custom hook.
func (d Def) CheckValue(raw string) error {
	switch d.Type {
	case TypeString:
	case TypeInt:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("%q is not an integer", raw)
		}
	case TypeBool:
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("%q is not a boolean", raw)
		}
	case TypeFloat:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return fmt.Errorf("%q is not a number", raw)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%q is not a duration", raw)
		}
	case TypeJSON:
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("%q is not valid JSON", raw)
		}
	case TypeEnum:
		if !slices.Contains(d.Enum, raw) {
			return fmt.Errorf("%q is not one of %s", raw, strings.Join(d.Enum, ", "))
		}
	}

	if d.Validate != nil {
		return d.Validate(raw)
	}

	return nil
}

//nolint:gochecknoglobals
var defs = []Def{
	{
		Key:         KeyDefaultURL,
		Type:        TypeString,
		Default:     "https://example.com",
		Description: "Where the bare root path redirects to. Empty disables the root redirect.",
		Validate:    validateOptionalHTTPURL,
	},
	{
		Key:         KeyRandomCodeLength,
		Type:        TypeInt,
		Default:     "6",
		Description: "Length of generated short codes.",
		Validate:    validateIntRange(4, 32),
	},
	{
		Key:         KeyClickDetails,
		Type:        TypeBool,
		Default:     "true",
		Description: "Record per-click details (referrer, geo, user agent) in addition to counters.",
	},
	{
		Key:         KeyDenyHosts,
		Type:        TypeJSON,
		Default:     "[]",
		Description: "JSON array of host suffixes that link targets may not point at.",
		Validate:    validateStringArray,
	},
	{
		Key:         KeyAdminToken,
		Type:        TypeString,
		Generated:   true,
		Sensitive:   true,
		Description: "Admin API token, stored as an argon2id hash. The plaintext is written once to admin_token.txt.",
	},
	{
		Key:             KeyAdminPrefix,
		Type:            TypeString,
		Default:         "/admin/v1",
		RequiresRestart: true,
		Description:     "URL prefix the admin API is mounted under.",
		Validate:        validateRoutePrefix,
	},
	{
		Key:         KeyCacheEnabled,
		Type:        TypeBool,
		Default:     "true",
		Description: "Serve redirects from the in-memory cache layer.",
	},
	{
		Key:         KeyCacheObjectCapacity,
		Type:        TypeInt,
		Default:     "10000",
		Description: "Maximum number of resolved links kept in memory.",
		Validate:    validateIntRange(1, 10_000_000),
	},
	{
		Key:         KeyCacheObjectTTL,
		Type:        TypeDuration,
		Default:     "15m",
		Description: "Hard lifetime of a cached link.",
		Validate:    validateMinDuration(time.Second),
	},
	{
		Key:         KeyCacheObjectIdleTTL,
		Type:        TypeDuration,
		Default:     "5m",
		Description: "Idle lifetime of a cached link.",
		Validate:    validateMinDuration(time.Second),
	},
	{
		Key:         KeyCacheNegativeTTL,
		Type:        TypeDuration,
		Default:     "1m",
		Description: "How long a missing code short-circuits lookups.",
		Validate:    validateMinDuration(time.Second),
	},
	{
		Key:         KeyCacheBloomFPRate,
		Type:        TypeFloat,
		Default:     "0.001",
		Description: "Target false-positive rate of the existence filter.",
		Validate:    validateFloatRange(0.000001, 0.5),
	},
	{
		Key:         KeyFlushInterval,
		Type:        TypeDuration,
		Default:     "30s",
		Description: "How often buffered click counters are flushed to storage.",
		Validate:    validateMinDuration(time.Second),
	},
	{
		Key:         KeyFlushThreshold,
		Type:        TypeInt,
		Default:     "100",
		Description: "Unique codes in the buffer that trigger an early flush.",
		Validate:    validateIntRange(1, 1_000_000),
	},
	{
		Key:             KeyDetailBuffer,
		Type:            TypeInt,
		Default:         "10000",
		RequiresRestart: true,
		Description:     "Capacity of the click detail buffer. Details beyond it are dropped.",
		Validate:        validateIntRange(0, 10_000_000),
	},
	{
		Key:         KeyRetentionDays,
		Type:        TypeInt,
		Default:     "90",
		Description: "Days of raw click detail to keep. Zero disables pruning.",
		Validate:    validateIntRange(0, 36500),
	},
	{
		Key:         KeyBackupEnabled,
		Type:        TypeBool,
		Default:     "false",
		Description: "Run scheduled link exports.",
	},
	{
		Key:             KeyBackupSchedule,
		Type:            TypeString,
		Default:         "0 3 * * *",
		RequiresRestart: true,
		Description:     "Cron schedule for backups. The entry is registered at startup.",
		Validate:        validateCronSchedule,
	},
	{
		Key:         KeyBackupCompression,
		Type:        TypeEnum,
		Default:     "zstd",
		Enum:        []string{"none", "gzip", "zstd", "lz4", "brotli", "xz", "lzip"},
		Description: "Compression applied to backup archives.",
	},
	{
		Key:         KeyBackupS3Endpoint,
		Type:        TypeString,
		Default:     "",
		Description: "S3-compatible endpoint backups are uploaded to. Empty disables uploads.",
	},
	{
		Key:         KeyBackupS3Bucket,
		Type:        TypeString,
		Default:     "",
		Description: "Bucket for backup uploads.",
	},
	{
		Key:         KeyBackupS3AccessKey,
		Type:        TypeString,
		Default:     "",
		Sensitive:   true,
		Description: "Access key for the backup bucket.",
	},
	{
		Key:         KeyBackupS3SecretKey,
		Type:        TypeString,
		Default:     "",
		Sensitive:   true,
		Description: "Secret key for the backup bucket.",
	},
	{
		Key:         KeyBackupS3Region,
		Type:        TypeString,
		Default:     "",
		Description: "Region of the backup bucket.",
	},
	{
		Key:         KeyBackupLocalDir,
		Type:        TypeString,
		Default:     "",
		Description: "Directory backup archives are written to. Empty keeps uploads only.",
	},
	{
		Key:             KeyInstanceID,
		Type:            TypeString,
		Generated:       true,
		RequiresRestart: true,
		Description:     "Stable identifier of this deployment, generated on first start.",
	},
}

//nolint:gochecknoglobals
var defsByKey = func() map[string]Def {
	m := make(map[string]Def, len(defs))

	for _, d := range defs {
		m[d.Key] = d
	}

	return m
}()

// Defs returns every definition sorted by key.
func Defs() []Def {
	out := slices.Clone(defs)

	slices.SortFunc(out, func(a, b Def) int { return strings.Compare(a.Key, b.Key) })

	return out
}

// DefByKey looks up one definition.
func DefByKey(key string) (Def, bool) {
	d, ok := defsByKey[key]

	return d, ok
}

func validateOptionalHTTPURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a URL", raw)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}

	return nil
}

func validateStringArray(raw string) error {
	var hosts []string
	if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
		return fmt.Errorf("expected a JSON array of strings: %w", err)
	}

	return nil
}

func validateRoutePrefix(raw string) error {
	if !strings.HasPrefix(raw, "/") {
		return fmt.Errorf("prefix %q must start with /", raw)
	}

	if len(raw) > 1 && strings.HasSuffix(raw, "/") {
		return fmt.Errorf("prefix %q must not end with /", raw)
	}

	return nil
}

func validateCronSchedule(raw string) error {
	if _, err := cron.ParseStandard(raw); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", raw, err)
	}

	return nil
}

func validateIntRange(lo, hi int64) func(string) error {
	return func(raw string) error {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%q is not an integer", raw)
		}

		if n < lo || n > hi {
			return fmt.Errorf("%d is outside [%d, %d]", n, lo, hi)
		}

		return nil
	}
}

func validateFloatRange(lo, hi float64) func(string) error {
	return func(raw string) error {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%q is not a number", raw)
		}

		if f < lo || f > hi {
			return fmt.Errorf("%g is outside [%g, %g]", f, lo, hi)
		}

		return nil
	}
}

func validateMinDuration(minimum time.Duration) func(string) error {
	return func(raw string) error {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%q is not a duration", raw)
		}

		if d < minimum {
			return fmt.Errorf("%s is below the minimum %s", d, minimum)
		}

		return nil
	}
}
