// Package secretsmanager loads root CAs for HTTPS connections from
// AWS Secrets Manager.
package secretsmanager

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"tunnelnet/internal/shared/logging"
)

var ErrNoCertificates = errors.New("no certificates in CA bundle")

// CABundleSecret is the JSON stored in the secret. CaPEM holds one or more
// base64-encoded PEM certificates.
type CABundleSecret struct {
	CaPEM string `json:"ca_pem"`
}

// SecretGetter is the subset of the Secrets Manager client used here
type SecretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Loader fetches CA bundles
type Loader struct {
	client SecretGetter
	logger *logging.Logger
}

// NewLoader builds a loader on the default AWS credential chain
func NewLoader(ctx context.Context, region string) (*Loader, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewLoaderWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

// NewLoaderWithClient builds a loader on an existing client
func NewLoaderWithClient(client SecretGetter) *Loader {
	return &Loader{client: client, logger: logging.NewLogger("secrets")}
}

// LoadRootCAs returns a certificate pool holding the bundle stored in secretName
func (l *Loader) LoadRootCAs(ctx context.Context, secretName string) (*x509.CertPool, error) {
	l.logger.Info("Loading root CAs from AWS Secrets Manager", "secret_name", secretName)

	result, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve secret from AWS Secrets Manager: %w", err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", secretName)
	}

	pool, count, err := ParseCABundle([]byte(*result.SecretString))
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loaded root CAs from Secrets Manager", "secret_name", secretName, "certificates", count)
	return pool, nil
}

// ParseCABundle decodes the secret JSON into a pool and reports how many
// certificates it holds
func ParseCABundle(secretJSON []byte) (*x509.CertPool, int, error) {
	var secret CABundleSecret
	if err := json.Unmarshal(secretJSON, &secret); err != nil {
		return nil, 0, fmt.Errorf("failed to parse CA bundle secret JSON: %w", err)
	}

	caPEM, err := base64.StdEncoding.DecodeString(secret.CaPEM)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode CA PEM: %w", err)
	}

	return PoolFromPEM(caPEM)
}

// PoolFromPEM parses every CERTIFICATE block in data
func PoolFromPEM(data []byte) (*x509.CertPool, int, error) {
	pool := x509.NewCertPool()
	count := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		pool.AddCert(cert)
		count++
	}

	if count == 0 {
		return nil, 0, ErrNoCertificates
	}
	return pool, count, nil
}
