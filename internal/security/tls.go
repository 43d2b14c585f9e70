package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// TLSPaths holds the paths to the CA and agent certificate files.
type TLSPaths struct {
	CACertPath string
	CertPath   string
	KeyPath    string
}

// Identity is an agent's certificate material: the TLS server config used
// when the session channel is wrapped in TLS, and the PEM certificate sent
// to controllers in the handshake preamble.
type Identity struct {
	Config *tls.Config
	Paths  *TLSPaths

	certPEM []byte
}

// CertificatePEM returns the PEM-encoded leaf certificate.
func (id *Identity) CertificatePEM() []byte {
	if id == nil {
		return nil
	}
	return id.certPEM
}

// Fingerprint returns the SHA-256 fingerprint of the leaf certificate.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.CertificatePEM())
}

// LoadOrGenerateIdentity loads the self-signed certificates from dataDir
// or generates new ones. The TLS config requires TLS 1.3.
func LoadOrGenerateIdentity(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	paths := &TLSPaths{
		CACertPath: filepath.Join(dataDir, "ca.crt"),
		CertPath:   filepath.Join(dataDir, "agent.crt"),
		KeyPath:    filepath.Join(dataDir, "agent.key"),
	}

	// Generate if any file is missing.
	if !fileExists(paths.CACertPath) || !fileExists(paths.CertPath) || !fileExists(paths.KeyPath) {
		if err := generateCerts(paths); err != nil {
			return nil, fmt.Errorf("generate TLS certs: %w", err)
		}
	}

	return LoadIdentity(paths.CertPath, paths.KeyPath, paths)
}

// LoadIdentity loads a certificate and key pair, either user-provided or
// previously generated. paths may be nil for user-provided files.
func LoadIdentity(certFile, keyFile string, paths *TLSPaths) (*Identity, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	return &Identity{
		Config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		},
		Paths:   paths,
		certPEM: certPEM,
	}, nil
}

// ClientTLSConfig is used by controllers. Chain verification is skipped
// because agents are identified by the fingerprint of the certificate
// they present in the handshake preamble.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS13,
	}
}

// Fingerprint returns the SHA-256 hex fingerprint of a certificate. PEM
// input is hashed over its first DER block, anything else as-is. Empty
// input has an empty fingerprint.
func Fingerprint(cert []byte) string {
	if len(cert) == 0 {
		return ""
	}
	data := cert
	if block, _ := pem.Decode(cert); block != nil {
		data = block.Bytes
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func generateCerts(paths *TLSPaths) error {
	// Generate CA key.
	caKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}

	caTemplate := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"netctl CA"},
			CommonName:   "netctl Root CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour), // 10 years
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return err
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return err
	}

	agentKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}

	dnsNames, ipAddrs := collectSANs()

	agentTemplate := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"netctl"},
			CommonName:   "netctl agent",
		},
		DNSNames:    dnsNames,
		IPAddresses: ipAddrs,
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(2 * 365 * 24 * time.Hour), // 2 years
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	agentCertDER, err := x509.CreateCertificate(rand.Reader, agentTemplate, caCert, &agentKey.PublicKey, caKey)
	if err != nil {
		return err
	}

	if err := writePEM(paths.CACertPath, "CERTIFICATE", caCertDER); err != nil {
		return err
	}
	if err := writePEM(paths.CertPath, "CERTIFICATE", agentCertDER); err != nil {
		return err
	}

	keyBytes, err := x509.MarshalECPrivateKey(agentKey)
	if err != nil {
		return err
	}
	return writePEM(paths.KeyPath, "EC PRIVATE KEY", keyBytes)
}

// collectSANs returns localhost, the hostname and every non-loopback
// interface address so LAN controllers can reach the agent by IP.
func collectSANs() ([]string, []net.IP) {
	dnsNames := []string{"localhost"}
	if hostname, err := os.Hostname(); err == nil {
		dnsNames = append(dnsNames, hostname)
	}

	ipAddrs := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	ifaces, err := net.Interfaces()
	if err != nil {
		return dnsNames, ipAddrs
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
				ipAddrs = append(ipAddrs, ipNet.IP)
			}
		}
	}
	return dnsNames, ipAddrs
}

func writePEM(path, blockType string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func newSerial() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, _ := rand.Int(rand.Reader, max)
	return serial
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
