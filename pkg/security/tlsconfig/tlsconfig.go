// Package tlsconfig builds TLS configurations for the management surface
// (HTTP and gRPC). Certificates can be reloaded from disk on handshake so
// rotation does not need a restart.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultReload is how long a loaded key pair is reused by the reloading
// configs.
const DefaultReload = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
	// Reload > 0 re-reads the key pair at most once per interval.
	Reload time.Duration
}

var ErrMissingKeyPair = errors.New("tlsconfig: server cert/key required when TLS enabled")

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA
// file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, ErrMissingKeyPair
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	kp := o.keyPair()
	if _, err := kp.get(); err != nil {
		return nil, err
	}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
	return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify, ServerName: o.ServerName} //nolint:gosec
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		kp := o.keyPair()
		if _, err := kp.get(); err != nil {
			return nil, err
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tlsconfig: no certificates in %s", path)
	}
	return pool, nil
}

// keyPair caches a loaded certificate; with ttl 0 it never reloads.
type keyPair struct {
	cert, key string
	ttl       time.Duration

	mu       sync.Mutex
	cached   *tls.Certificate
	lastLoad time.Time
}

func (o Options) keyPair() *keyPair {
	return &keyPair{cert: o.CertFile, key: o.KeyFile, ttl: o.Reload}
}

func (k *keyPair) get() (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cached != nil && (k.ttl <= 0 || time.Since(k.lastLoad) < k.ttl) {
		return k.cached, nil
	}
	cert, err := tls.LoadX509KeyPair(k.cert, k.key)
	if err != nil {
		if k.cached != nil {
			// keep serving the previous pair while a rotation is half written
			return k.cached, nil
		}
		return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
	}
	k.cached, k.lastLoad = &cert, time.Now()
	return k.cached, nil
}
