package transport

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"time"

	"github.com/loggysh/loggy-go/agent/internal/config"
)

// ExpiryWarning is how close to NotAfter a certificate counts as expiring.
const ExpiryWarning = 30 * 24 * time.Hour

// Certificate states reported by CheckCert.
const (
	CertValid       = "valid"
	CertExpiring    = "expiring"
	CertExpired     = "expired"
	CertUnreachable = "unreachable"
)

// CertStatus describes the collector's TLS leaf certificate.
type CertStatus struct {
	Endpoint string
	Status   string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
}

// CheckCert dials ep over TLS and inspects the leaf certificate. It returns
// nil for plaintext endpoints. The handshake does not verify the chain: an
// untrusted certificate is still reported, and the real connection applies
// verification.
func CheckCert(ctx context.Context, ep Endpoint, auth config.AuthConfig) *CertStatus {
	if !ep.TLS && auth.Mode != "mtls" {
		return nil
	}
	cs := &CertStatus{Endpoint: ep.String(), Status: CertUnreachable}

	tlsCfg, err := tlsConfig(auth)
	if err != nil {
		return cs
	}
	tlsCfg.InsecureSkipVerify = true //nolint:gosec // inspection only
	if host, _, err := net.SplitHostPort(ep.Addr); err == nil {
		tlsCfg.ServerName = host
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsCfg}
	netConn, err := dialer.DialContext(dialCtx, "tcp", ep.Addr)
	if err != nil {
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		return cs
	}

	leaf := peerCerts[0]
	left := time.Until(leaf.NotAfter)
	cs.Issuer = leaf.Issuer.CommonName
	cs.NotAfter = leaf.NotAfter.UTC()
	cs.DaysLeft = int(math.Floor(left.Hours() / 24))

	switch {
	case left <= 0:
		cs.Status = CertExpired
	case left <= ExpiryWarning:
		cs.Status = CertExpiring
	default:
		cs.Status = CertValid
	}
	return cs
}
