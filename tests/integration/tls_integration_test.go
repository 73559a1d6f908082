//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirimatin/go-census/pkg/bootstrap"
	tlsx "github.com/amirimatin/go-census/pkg/security/tlsconfig"
	httpjson "github.com/amirimatin/go-census/pkg/transport/httpjson"
)

func TestTLS_ThreeNodes_StatusAndCensus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dir := t.TempDir()
	caCrt, _, srvCrt, srvKey, cliCrt, cliKey := mustMakeTestCerts(t, dir)

	n1, n2, n3 := mustStartThreeNodes(t, ctx, func(cfg *bootstrap.Config) {
		cfg.TLSEnable = true
		cfg.TLSCA = caCrt
		cfg.TLSCert = srvCrt
		cfg.TLSKey = srvKey
	})
	defer n3.Close()
	defer n2.Close()
	defer n1.Close()

	topts := tlsx.Options{Enable: true, CAFile: caCrt, CertFile: cliCrt, KeyFile: cliKey}
	cliTLS, err := topts.Client()
	if err != nil {
		t.Fatalf("tls client: %v", err)
	}
	cli := httpjson.NewClient(3 * time.Second).UseTLS(cliTLS)

	// n2 and n3 reach their voter seats over mTLS.
	waitForLeader(t, ctx, cli, n1Mgmt, "n1")
	waitUntil(t, 20*time.Second, func() error {
		c, err := fetchCensus(ctx, cli, n3Mgmt)
		if err != nil {
			return err
		}
		if len(c.Members) != 3 || leaderOf(c) != "n1" {
			return errNotYet
		}
		return nil
	})

	// Without a client certificate the management API refuses the call.
	plain := httpjson.NewClient(2 * time.Second)
	if _, err := plain.GetStatus(ctx, n1Mgmt); err == nil {
		t.Fatalf("plaintext status succeeded against a TLS endpoint")
	}
}

func mustMakeTestCerts(t *testing.T, dir string) (caCrt, caKey, srvCrt, srvKey, cliCrt, cliKey string) {
	t.Helper()
	caPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "census-test-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
	caDER, _ := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
	caCrt = filepath.Join(dir, "ca.crt")
	caKey = filepath.Join(dir, "ca.key")
	writePEM(t, caCrt, "CERTIFICATE", caDER)
	writePEM(t, caKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caPriv))

	makeLeaf := func(cn, crtName, keyName string, isClient bool) (string, string) {
		priv, _ := rsa.GenerateKey(rand.Reader, 2048)
		tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: cn}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour), KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment}
		if isClient {
			tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		} else {
			// Nodes also dial each other with their own certificate.
			tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
		}
		tpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
		der, _ := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
		crtPath := filepath.Join(dir, crtName)
		keyPath := filepath.Join(dir, keyName)
		writePEM(t, crtPath, "CERTIFICATE", der)
		writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
		return crtPath, keyPath
	}

	srvCrt, srvKey = makeLeaf("census-node", "server.crt", "server.key", false)
	cliCrt, cliKey = makeLeaf("census-operator", "client.crt", "client.key", true)
	return
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		t.Fatalf("pem encode %s: %v", path, err)
	}
}
