// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls loads client TLS configuration for broker connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var (
	errLoadCerts  = errors.New("failed to load certificates")
	errLoadCA     = errors.New("failed to load CA")
	errAppendCA   = errors.New("failed to append root ca tls.Config")
	errMissingKey = errors.New("certificate and key files must be set together")
)

// Config holds client TLS file locations.
type Config struct {
	Enabled  bool
	CAFile   string
	CertFile string
	KeyFile  string
}

// LoadClientConfig returns a TLS configuration for dialing the broker, or
// nil when TLS is disabled. Without a CA file the system roots are used;
// a certificate and key pair enables client certificate authentication.
func LoadClientConfig(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errMissingKey
	}

	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return config, nil
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
