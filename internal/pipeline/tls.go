package pipeline

import "crypto/tls"

// TrustAllTLSConfig returns a client configuration that accepts any
// certificate chain presented by the target.
//
// UNSAFE: this exists only so test targets with self-signed or mismatched
// certificates can be exercised. It is never selected unless the caller sets
// Config.InsecureSkipVerify.
func TrustAllTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, //nolint:gosec // opt-in testing stub
		NextProtos:         []string{"http/1.1"},
	}
}

// tlsConfigFor picks the verification policy for a target host. A
// caller-supplied config wins, then the trust-all stub if requested, then
// standard verification.
func tlsConfigFor(cfg Config, host string) *tls.Config {
	if cfg.TLSConfig != nil {
		c := cfg.TLSConfig.Clone()
		if c.ServerName == "" {
			c.ServerName = host
		}
		return c
	}
	if cfg.InsecureSkipVerify {
		return TrustAllTLSConfig(host)
	}
	return &tls.Config{
		ServerName: host,
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	}
}
