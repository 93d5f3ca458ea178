package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// hostDomain is the pseudo domain that agent host names live under. Clients never resolve it.
const hostDomain = "instrumentagent"

const (
	certLifetime   = 7 * 24 * time.Hour
	maxLabelPrefix = 40
)

// HostName maps a server name onto the DNS name its agent cert is issued for, e.g.
//
//	"DummyInstrumentServer-address=GPIB::8" -> "dummyinstrumentserver-address-gpib-8-<hash>.instrumentagent"
//
// Server names are free-form, so the readable prefix is followed by a hash of the full name.
func HostName(serverName string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(serverName) {
		if b.Len() >= maxLabelPrefix {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	label := strings.Trim(b.String(), "-")
	if label == "" {
		label = "server"
	}
	sum := sha256.Sum256([]byte(serverName))
	return fmt.Sprintf("%s-%x.%s", label, sum[:8], hostDomain)
}

// Certs are the mTLS credentials shared by one agent and the proxies of its server.
// The client key drives every instrument on the agent, so handle carefully.
type Certs struct {
	// ServerName is the server the agent cert is issued for.
	ServerName string
	Server     Cert
	Client     Cert
	CA         Cert
}

// Cert is a PEM encoded certificate and private key.
type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

type issued struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  Cert
}

func newTemplate(cn string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, nil
}

// issue signs tmpl with parent, or self-signs it if parent is nil.
func issue(tmpl *x509.Certificate, parent *issued) (*issued, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key for %q: %w", tmpl.Subject.CommonName, err)
	}
	parentCert, parentKey := tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert for %q: %w", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing cert for %q: %w", tmpl.Subject.CommonName, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling key for %q: %w", tmpl.Subject.CommonName, err)
	}
	return &issued{
		cert: cert,
		key:  key,
		pem: Cert{
			CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
			KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		},
	}, nil
}

// GenerateCerts creates a throwaway CA for one server, with an agent cert issued for HostName(serverName)
// and a client cert for its proxies.
func GenerateCerts(serverName string) (*Certs, error) {
	if serverName == "" {
		return nil, errors.New("generating certs: server name is required")
	}

	caTmpl, err := newTemplate("InstrumentAgentCA " + serverName)
	if err != nil {
		return nil, err
	}
	caTmpl.IsCA = true
	caTmpl.BasicConstraintsValid = true
	caTmpl.MaxPathLenZero = true
	caTmpl.KeyUsage |= x509.KeyUsageCertSign
	ca, err := issue(caTmpl, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverTmpl, err := newTemplate(serverName)
	if err != nil {
		return nil, err
	}
	serverTmpl.DNSNames = []string{HostName(serverName)}
	serverTmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	server, err := issue(serverTmpl, ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientTmpl, err := newTemplate("instrumentclient")
	if err != nil {
		return nil, err
	}
	clientTmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	client, err := issue(clientTmpl, ca)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		ServerName: serverName,
		Server:     server.pem,
		Client:     client.pem,
		CA:         ca.pem,
	}, nil
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}
	return pool, nil
}

// ClientTLSConfig trusts only agents holding a cert for c.ServerName.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	pool, err := certPool(c.CA.CertPEMBytes)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(c.Client.CertPEMBytes, c.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		ServerName:   HostName(c.ServerName),
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfig accepts only clients with a cert from the agent's CA.
func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// AgentFlags returns the command line flags that hand the server side of c to an agent binary.
func (c *Certs) AgentFlags() []string {
	enc := base64.StdEncoding.EncodeToString
	return []string{
		"--ca-cert-pem", enc(c.CA.CertPEMBytes),
		"--cert-pem", enc(c.Server.CertPEMBytes),
		"--key-pem", enc(c.Server.KeyPEMBytes),
	}
}
