// Package kms unwraps the venue API key from its KMS-encrypted form.
package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/config"
)

var ErrEmptyCiphertext = errors.New("kms: empty api key ciphertext")

// Decrypter is the subset of the KMS API used here.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Client decrypts KMS ciphertext blobs.
type Client struct {
	kms Decrypter
}

// New creates a Client. A LocalStack endpoint switches to static dummy
// credentials; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg config.AWSConfig) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.LocalStackEndpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if cfg.LocalStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(cfg.LocalStackEndpoint)
		})
	}
	return NewWithDecrypter(kms.NewFromConfig(awsCfg, kmsOpts...)), nil
}

func NewWithDecrypter(d Decrypter) *Client {
	return &Client{kms: d}
}

// DecryptAPIKey decodes a base64 ciphertext, decrypts it and seals the
// plaintext into venue credentials. The plaintext buffer is wiped.
func (c *Client) DecryptAPIKey(ctx context.Context, ciphertextB64 string) (*idex.Credentials, error) {
	ciphertextB64 = strings.TrimSpace(ciphertextB64)
	if ciphertextB64 == "" {
		return nil, ErrEmptyCiphertext
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}

	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return idex.NewCredentials(out.Plaintext), nil
}
