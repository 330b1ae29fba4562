// Package trust builds TLS configuration for talking to appliances on local network.
// Appliances present self-signed certificates without stable names,
// so peer verification is disabled here and nowhere else.
package trust

import "crypto/tls"

// InsecureApplianceConfig returns TLS client config that accepts any appliance certificate.
func InsecureApplianceConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
}
