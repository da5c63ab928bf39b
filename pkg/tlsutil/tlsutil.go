// Package tlsutil loads the PEM material both binaries need for the
// mutually authenticated broker channel.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// Load builds a tls.Config from PEM files: the peer certificate/key
// pair plus the CA bundle used to verify the other side. The same
// shape serves both directions; callers set ClientAuth or ServerName
// on top.
func Load(caPath, certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "tls: load key pair %s/%s", certPath, keyPath)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrapf(err, "tls: read CA bundle %s", caPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.Errorf("tls: no certificates found in %s", caPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
