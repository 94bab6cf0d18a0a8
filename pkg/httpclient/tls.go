// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// TLSConfig describes TLS options for a REST driver connection.
type TLSConfig struct {
	InsecureSkipVerify bool
	CACertificate      string // path to a PEM bundle
}

// ConfigureTLS builds an http.Transport from the given options.
func ConfigureTLS(cfg *TLSConfig) (*http.Transport, error) {
	if cfg == nil {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicit opt-in via config
	}

	if cfg.CACertificate != "" {
		pem, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CACertificate)
		}
		tlsCfg.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return transport, nil
}
