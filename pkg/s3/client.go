package s3

import (
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewClient builds a MinIO client from cfg. The config is validated
// first; connectivity is not probed until the first call. Requests are
// traced through the otelhttp transport.
func NewClient(cfg Config) (*minio.Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	client, err := minio.New(GetEndpointWithoutScheme(cfg.Endpoint), &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       IsHTTPS(cfg.Endpoint),
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    otelhttp.NewTransport(transport),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating MinIO client: %w", err)
	}

	return client, nil
}
