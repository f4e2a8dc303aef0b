package objectstore

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client loads the default AWS credential chain (environment, shared
// config, container/instance role) and returns a ready-to-use S3 client.
// endpointURL overrides the endpoint when non-empty, for S3-compatible
// object storage in self-hosted deployments.
func NewS3Client(ctx context.Context, region, endpointURL string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = &endpointURL
			o.UsePathStyle = true
		}
	}), nil
}
