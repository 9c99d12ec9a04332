package tlsutil

import (
	"crypto/x509"
	"fmt"
	"os"
)

// RootCAPool returns the system certificate pool extended with the PEM
// certificates at the given paths. Registries signed by a private CA are
// trusted by listing the CA certificate in the configuration.
func RootCAPool(paths []string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("loading system cert pool: %w", err)
	}
	for _, path := range paths {
		caPEM, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert: %w", err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA cert from %s", path)
		}
	}
	return pool, nil
}
