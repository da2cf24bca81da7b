// internal/common/aws/config.go
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// LoadConfig loads the default credential chain for region. A non-empty
// endpoint overrides every service endpoint, e.g. for LocalStack.
func LoadConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint, SigningRegion: region, HostnameImmutable: true}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

// NewSESClient returns the email client used by the SES provider.
func NewSESClient(ctx context.Context, region, endpoint string) (*ses.Client, error) {
	cfg, err := LoadConfig(ctx, region, endpoint)
	if err != nil {
		return nil, err
	}
	return ses.NewFromConfig(cfg), nil
}

// NewSNSClient returns the SMS client used by the SNS provider.
func NewSNSClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	cfg, err := LoadConfig(ctx, region, endpoint)
	if err != nil {
		return nil, err
	}
	return sns.NewFromConfig(cfg), nil
}
