package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the part of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter resolves a named secret.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads decrypted SSM parameters.
type Client struct {
	api ssmAPI
}

var _ Getter = &Client{}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// NewFromEnvironment builds a Client from the default AWS credential chain.
func NewFromEnvironment(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("paramstore: load AWS config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q has no value", name)
	}
	value := strings.TrimSpace(*out.Parameter.Value)
	if value == "" {
		return "", fmt.Errorf("paramstore: parameter %q is empty", name)
	}
	return value, nil
}

// ResolveSecret prefers the named parameter and falls back to the given value
// when no parameter name is configured.
func ResolveSecret(ctx context.Context, g Getter, name, fallback string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return fallback, nil
	}
	if g == nil {
		return "", errors.New("paramstore: getter must not be nil")
	}
	return g.GetParameter(ctx, name)
}
