package pgwire

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/dbbouncer/pgwire/internal/dsn"
	"github.com/dbbouncer/pgwire/internal/pgerr"
)

// buildTLSConfig turns a resolved dsn.Params into a *tls.Config per §4.7's
// mode table: require trusts the server unless a CA is explicitly
// configured, verify-ca checks the chain but not the hostname, and
// verify-full checks both.
func buildTLSConfig(p *dsn.Params, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName}

	switch p.SSLMode {
	case dsn.SSLRequire:
		cfg.InsecureSkipVerify = true
		if p.SSLRootCert != "" {
			pool, err := loadCAPool(p.SSLRootCert)
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
			cfg.InsecureSkipVerify = false
		}
	case dsn.SSLVerifyCA:
		pool, err := loadCAPool(p.SSLRootCert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
		// Verify the chain but not the hostname: wrap the standard
		// verifier and drop hostname checking via VerifyPeerCertificate.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = chainOnlyVerifier(pool)
	case dsn.SSLVerifyFull:
		pool, err := loadCAPool(p.SSLRootCert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	default: // allow, prefer: no verification at all
		cfg.InsecureSkipVerify = true
	}

	if p.SSLCert != "" && p.SSLKey != "" {
		cert, err := tls.LoadX509KeyPair(p.SSLCert, p.SSLKey)
		if err != nil {
			return nil, pgerr.NewClientError("loading client certificate", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if v, ok := minTLSVersion(p.SSLMinProtocol); ok {
		cfg.MinVersion = v
	}
	if v, ok := minTLSVersion(p.SSLMaxProtocol); ok {
		cfg.MaxVersion = v
	}

	if keylog := os.Getenv("SSLKEYLOGFILE"); keylog != "" {
		f, err := os.OpenFile(keylog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err == nil {
			cfg.KeyLogWriter = f
		}
	}

	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, pgerr.NewClientError("loading CA bundle", errNoRootCert)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pgerr.NewClientError("reading sslrootcert", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, pgerr.NewClientError("parsing sslrootcert", errBadRootCert)
	}
	return pool, nil
}

// chainOnlyVerifier builds a VerifyPeerCertificate callback that checks
// the certificate chain against pool but skips the ServerName hostname
// check — verify-ca's exact semantic per §4.7's mode table.
func chainOnlyVerifier(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errNoPeerCert
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		_, err = cert.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
		return err
	}
}

func minTLSVersion(s string) (uint16, bool) {
	switch s {
	case "TLSv1.2":
		return tls.VersionTLS12, true
	case "TLSv1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

var (
	errNoRootCert  = simpleErr("sslrootcert is required for this sslmode")
	errBadRootCert = simpleErr("sslrootcert does not contain any valid certificates")
	errNoPeerCert  = simpleErr("server presented no certificate")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
