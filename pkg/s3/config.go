// Package s3 holds the client configuration for S3-compatible object
// storage, used to ship backup archives off the box.
package s3

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrBucketRequired is returned if the bucket name is missing.
	ErrBucketRequired = errors.New("bucket name is required")

	// ErrEndpointRequired is returned if the endpoint is missing.
	ErrEndpointRequired = errors.New("endpoint is required")

	// ErrAccessKeyIDRequired is returned if the access key ID is missing.
	ErrAccessKeyIDRequired = errors.New("access key ID is required")

	// ErrSecretAccessKeyRequired is returned if the secret access key is missing.
	ErrSecretAccessKeyRequired = errors.New("secret access key is required")

	// ErrInvalidEndpointScheme is returned if the endpoint scheme is missing or invalid.
	ErrInvalidEndpointScheme = errors.New("S3 endpoint must include scheme (http:// or https://)")
)

// Config holds the connection settings for an S3-compatible endpoint.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the region name, optional for most S3-compatible stores.
	Region string
	// Endpoint is the endpoint URL with scheme (http:// or https://).
	Endpoint string
	// AccessKeyID is the access key for authentication.
	AccessKeyID string
	// SecretAccessKey is the secret key for authentication.
	SecretAccessKey string
	// ForcePathStyle forces path-style addressing. MinIO and most
	// self-hosted stores need true; AWS S3 wants false.
	ForcePathStyle bool
	// Transport is the HTTP transport to use, optional, used for testing.
	Transport http.RoundTripper
}

// ValidateConfig checks that cfg carries everything a client needs.
func ValidateConfig(cfg Config) error {
	if cfg.Bucket == "" {
		return ErrBucketRequired
	}

	if cfg.Endpoint == "" {
		return ErrEndpointRequired
	}

	if !IsHTTPS(cfg.Endpoint) && !strings.HasPrefix(cfg.Endpoint, "http://") {
		return fmt.Errorf("%w: %s", ErrInvalidEndpointScheme, cfg.Endpoint)
	}

	if cfg.AccessKeyID == "" {
		return ErrAccessKeyIDRequired
	}

	if cfg.SecretAccessKey == "" {
		return ErrSecretAccessKeyRequired
	}

	return nil
}

// GetEndpointWithoutScheme returns the bare host[:port] of the endpoint.
// The MinIO SDK expects the endpoint without scheme or path.
func GetEndpointWithoutScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	if idx := strings.IndexByte(endpoint, '/'); idx >= 0 {
		endpoint = endpoint[:idx]
	}

	return endpoint
}

// IsHTTPS returns true if the endpoint uses HTTPS.
func IsHTTPS(endpoint string) bool {
	return strings.HasPrefix(endpoint, "https://")
}
