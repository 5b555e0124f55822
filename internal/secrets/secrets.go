// Package secrets resolves signing keys and shared secrets from AWS Secrets Manager or the environment.
package secrets

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/veil-vest/veil-vest/internal/eth"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
	ErrInvalidKey    = errors.New("secrets: invalid key material")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnv() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil || p.lookup == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v, _ := p.lookup(key)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Chain asks each provider in order and returns the first value found.
// Errors other than ErrNotFound stop the walk.
type Chain []Provider

func (c Chain) Get(ctx context.Context, key string) (string, error) {
	if len(c) == 0 {
		return "", fmt.Errorf("%w: empty provider chain", ErrInvalidConfig)
	}
	for _, p := range c {
		if p == nil {
			continue
		}
		v, err := p.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// LoadPrivateKey resolves key through p and parses it as a hex secp256k1 key.
// The secret value never appears in returned errors.
func LoadPrivateKey(ctx context.Context, p Provider, key string) (*ecdsa.PrivateKey, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	raw, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	pk, err := eth.ParsePrivateKeyHex(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a hex secp256k1 key", ErrInvalidKey, key)
	}
	return pk, nil
}

// LoadBytes resolves key through p and requires at least minLen bytes of material.
func LoadBytes(ctx context.Context, p Provider, key string, minLen int) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	raw, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(raw) < minLen {
		return nil, fmt.Errorf("%w: %s shorter than %d bytes", ErrInvalidKey, key, minLen)
	}
	return []byte(raw), nil
}
