package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"nearshare/internal/logging"
)

const alpn = "nearshare/1"

// QUIC runs each session on one bidirectional stream. The TLS layer uses a
// throwaway self-signed certificate; peer authentication is the secure
// channel's job.
type QUIC struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
	log      zerolog.Logger
}

func NewQUIC() (*QUIC, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: generate tls config: %w", err)
	}
	return &QUIC{
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
		log: logging.Component("quic"),
	}, nil
}

func (q *QUIC) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	tlsConf := q.tlsConf.Clone()
	tlsConf.InsecureSkipVerify = true
	tlsConf.ServerName = addr.Addr().String()

	conn, err := quic.DialAddr(ctx, addr.String(), tlsConf, q.quicConf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	q.log.Debug().Str("peer", addr.String()).Msg("quic stream opened")
	return &streamConn{Stream: stream, conn: conn}, nil
}

func (q *QUIC) Listen(_ context.Context, port uint16) (Listener, error) {
	ln, err := quic.ListenAddr(fmt.Sprintf(":%d", port), q.tlsConf, q.quicConf)
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln, log: q.log}, nil
}

type quicListener struct {
	ln  *quic.Listener
	log zerolog.Logger
}

// Accept waits for a connection and its first stream. The stream becomes
// visible once the dialling side writes its first frame.
func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	l.log.Debug().Str("peer", conn.RemoteAddr().String()).Msg("quic connection accepted")
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

func (l *quicListener) Port() uint16 {
	if a, ok := l.ln.Addr().(*net.UDPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

func (l *quicListener) Close() error { return l.ln.Close() }

// streamConn exposes one QUIC stream as a net.Conn.
type streamConn struct {
	quic.Stream
	conn quic.Connection
	once sync.Once
}

func (s *streamConn) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *streamConn) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *streamConn) Close() error {
	var err error
	s.once.Do(func() {
		s.Stream.CancelRead(0)
		err = s.Stream.Close()
		_ = s.conn.CloseWithError(0, "session closed")
	})
	return err
}

func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"nearshare"},
		},
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour * 24 * 180),
		KeyUsage:  x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpn},
	}, nil
}
