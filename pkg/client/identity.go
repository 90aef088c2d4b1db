package client

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials identify an internal service allowed to append to the ledger.
type Credentials struct {
	ServiceID string `yaml:"service_id"`
	Secret    string `yaml:"secret"`
}

// LoadCredentials reads a YAML credentials file:
//
//	service_id: admin-portal
//	secret: "..."
func LoadCredentials(path string) (*Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.ServiceID == "" || creds.Secret == "" {
		return nil, errors.New("credentials must set service_id and secret")
	}
	return &creds, nil
}

// WithCredentials sets the service credentials used to obtain tokens for
// Append. Tokens are fetched on first use and refreshed before expiry.
func WithCredentials(serviceID, secret string) Option {
	return func(c *Client) error {
		if serviceID == "" || secret == "" {
			return errors.New("service ID and secret are required")
		}
		c.creds = &Credentials{ServiceID: serviceID, Secret: secret}
		return nil
	}
}

// WithCredentialsFile is the functional-option form of LoadCredentials.
//
//	c, err := client.New(ledgerURL,
//	    client.WithCredentialsFile("/etc/ledger/credentials.yaml"),
//	)
func WithCredentialsFile(path string) Option {
	return func(c *Client) error {
		creds, err := LoadCredentials(path)
		if err != nil {
			return err
		}
		c.creds = creds
		return nil
	}
}
