package gear

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig names the PEM files used to secure a connection to one server.
// All three fields must be set together, or all left empty; a partial
// configuration is rejected by buildTLSConfig as a configuration error.
type TLSConfig struct {
	KeyFile  string
	CertFile string
	CAFile   string
}

func (c *TLSConfig) empty() bool {
	return c == nil || (c.KeyFile == "" && c.CertFile == "" && c.CAFile == "")
}

func (c *TLSConfig) partial() bool {
	if c == nil {
		return false
	}
	set := 0
	for _, f := range []string{c.KeyFile, c.CertFile, c.CAFile} {
		if f != "" {
			set++
		}
	}
	return set != 0 && set != 3
}

// buildTLSConfig loads a mutual-auth TLS client configuration from the
// given key/cert/CA files. It returns (nil, nil) when cfg is empty, since
// that means the connection is plaintext.
func buildTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg.empty() {
		return nil, nil
	}
	if cfg.partial() {
		return nil, fmt.Errorf("%w: key, cert, and ca must all be supplied together", ErrConfiguration)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading client certificate: %v", ErrConfiguration, err)
	}

	caBytes, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading CA file: %v", ErrConfiguration, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("%w: no certificates found in CA file %s", ErrConfiguration, cfg.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
	}, nil
}
