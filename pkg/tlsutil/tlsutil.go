// Package tlsutil builds client TLS configuration for the bridge's outbound
// connections: the upstream API, the HTTP sinks and NATS.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/c360/satbridge/errors"
)

// ClientConfig holds client TLS settings. The system CA bundle is always
// trusted; CAFiles are additional trusted CAs.
type ClientConfig struct {
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file"`
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify"` // DEV/TEST ONLY
}

// IsZero reports whether no setting differs from the Go defaults.
func (c ClientConfig) IsZero() bool {
	return len(c.CAFiles) == 0 && c.CertFile == "" && c.KeyFile == "" &&
		c.MinVersion == "" && !c.InsecureSkipVerify
}

// Validate checks the settings without reading any file.
func (c ClientConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.WrapInvalid(fmt.Errorf("%w: tls.cert_file and tls.key_file must be set together", errors.ErrInvalidConfig),
			"tlsutil", "Validate", "check client certificate")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: tls.min_version %q (must be \"1.2\" or \"1.3\")", errors.ErrInvalidConfig, c.MinVersion),
			"tlsutil", "Validate", "check min version")
	}
	return nil
}

// LoadClientTLSConfig creates a tls.Config from cfg. It returns nil when cfg
// is zero so callers keep the library defaults.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if cfg.IsZero() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil",
				"LoadClientTLSConfig",
				fmt.Sprintf("parse CA certificate from %s", caFile),
			)
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	// Operators opt into this explicitly
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify

	return tlsConfig, nil
}

// HTTPClient returns a client using tlsConfig. A zero timeout leaves the
// client without one, for callers that set per-request deadlines.
func HTTPClient(tlsConfig *tls.Config, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if tlsConfig != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		client.Transport = transport
	}
	return client
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
