package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/retry"
)

// Provider supplies the bearer token used to authenticate search API calls.
type Provider interface {
	BearerToken(ctx context.Context) (string, error)
}

// SSMProvider retrieves the bearer token from an encrypted SSM parameter.
type SSMProvider struct {
	client        ssmiface.SSMAPI
	parameterName string
}

// NewSSMProvider creates a provider reading /<prefix>/bearer_token.
func NewSSMProvider(cfg config.SecretsConfig) (*SSMProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &SSMProvider{
		client:        ssm.New(sess),
		parameterName: fmt.Sprintf("/%s/bearer_token", strings.Trim(cfg.ParameterPrefix, "/")),
	}, nil
}

// NewSSMProviderWithClient creates a provider around an existing client.
// Intended for tests.
func NewSSMProviderWithClient(client ssmiface.SSMAPI, parameterName string) *SSMProvider {
	return &SSMProvider{client: client, parameterName: parameterName}
}

// BearerToken fetches and decrypts the token parameter. A missing or empty
// parameter is an invalid-credential error and is never retried.
func (p *SSMProvider) BearerToken(ctx context.Context) (string, error) {
	out, err := p.client.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(p.parameterName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == ssm.ErrCodeParameterNotFound {
			return "", fmt.Errorf("parameter %s not found: %w", p.parameterName, retry.ErrInvalidCredential)
		}
		return "", fmt.Errorf("failed to fetch parameter %s: %w", p.parameterName, err)
	}

	if out.Parameter == nil || out.Parameter.Value == nil || aws.StringValue(out.Parameter.Value) == "" {
		return "", fmt.Errorf("parameter %s is empty: %w", p.parameterName, retry.ErrInvalidCredential)
	}
	return aws.StringValue(out.Parameter.Value), nil
}

const cacheKey = "bearer_token"

// Cached wraps a Provider with an explicit time-bounded cache so repeated
// runs within the TTL skip the secret-store round trip. The cache object is
// passed by reference into whatever needs it; there is no ambient state.
type Cached struct {
	inner Provider
	cache *expirable.LRU[string, string]
}

// NewCached creates a caching wrapper with the given TTL.
func NewCached(inner Provider, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: expirable.NewLRU[string, string](1, nil, ttl),
	}
}

// BearerToken returns the cached token or refreshes it through the inner
// provider. Failures are never cached.
func (c *Cached) BearerToken(ctx context.Context) (string, error) {
	if token, ok := c.cache.Get(cacheKey); ok {
		return token, nil
	}

	token, err := c.inner.BearerToken(ctx)
	if err != nil {
		return "", err
	}
	c.cache.Add(cacheKey, token)
	return token, nil
}
