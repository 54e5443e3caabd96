package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"
)

// TLSOptions configures the client side of a wss endpoint.
type TLSOptions struct {
	CertPath   string
	KeyPath    string
	CAPath     string
	ServerName string
	// Insecure skips chain verification; dev only.
	Insecure bool
}

// ClientConfig builds a tls.Config from the options. With no CA configured
// and Insecure unset, the system roots apply.
func (o *TLSOptions) ClientConfig() (*tls.Config, error) {
	base := &tls.Config{
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.Insecure,
		MinVersion:         tls.VersionTLS12,
	}
	if o.CertPath != "" && o.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(o.CertPath, o.KeyPath)
		if err != nil {
			return nil, err
		}
		base.Certificates = []tls.Certificate{cert}
	}
	if o.CAPath != "" {
		pool, err := newCertPool(o.CAPath)
		if err != nil {
			return nil, err
		}
		base.RootCAs = pool
		base.InsecureSkipVerify = false
	}
	return base, nil
}

// Only one ca file is supported.
func newCertPool(caPath string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	caCrt, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool.AppendCertsFromPEM(caCrt)
	return pool, nil
}
