// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "nanobus"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadClientConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir)
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cert"), 0o600))

	tests := []struct {
		name      string
		cfg       Config
		wantNil   bool
		wantErr   bool
		wantCerts int
		wantRoots bool
	}{
		{name: "disabled", cfg: Config{CAFile: certFile}, wantNil: true},
		{name: "system roots", cfg: Config{Enabled: true}},
		{name: "custom ca", cfg: Config{Enabled: true, CAFile: certFile}, wantRoots: true},
		{
			name:      "client certificate",
			cfg:       Config{Enabled: true, CAFile: certFile, CertFile: certFile, KeyFile: keyFile},
			wantCerts: 1,
			wantRoots: true,
		},
		{name: "cert without key", cfg: Config{Enabled: true, CertFile: certFile}, wantErr: true},
		{name: "missing ca", cfg: Config{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}, wantErr: true},
		{name: "invalid ca", cfg: Config{Enabled: true, CAFile: garbage}, wantErr: true},
		{name: "invalid key pair", cfg: Config{Enabled: true, CertFile: garbage, KeyFile: keyFile}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadClientConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Len(t, cfg.Certificates, tt.wantCerts)
			assert.Equal(t, tt.wantRoots, cfg.RootCAs != nil)
		})
	}
}
