package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the slice of the Secrets Manager client the source
// uses. *secretsmanager.Client satisfies it.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads secrets from AWS Secrets Manager. Names are
// prefixed with Prefix before lookup.
type SecretsManagerSource struct {
	client SecretsManagerAPI
	prefix string
}

func NewSecretsManagerSource(client SecretsManagerAPI, prefix string) (*SecretsManagerSource, error) {
	if client == nil {
		return nil, fmt.Errorf("security: secrets manager client is required")
	}
	return &SecretsManagerSource{client: client, prefix: strings.TrimSpace(prefix)}, nil
}

// NewSecretsManagerSourceFromConfig builds the source from a loaded AWS config.
func NewSecretsManagerSourceFromConfig(cfg aws.Config, prefix string) (*SecretsManagerSource, error) {
	return NewSecretsManagerSource(secretsmanager.NewFromConfig(cfg), prefix)
}

func (s *SecretsManagerSource) SecretString(ctx context.Context, name string) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("security: secrets manager source is not configured")
	}
	secretID := s.prefix + strings.TrimSpace(name)
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		var missing *types.ResourceNotFoundException
		if errors.As(err, &missing) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, secretID)
		}
		return "", fmt.Errorf("security: get secret %s: %w", secretID, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("security: secret %s has no value", secretID)
}
