// Package smtptest runs an in-process submission relay with STARTTLS and
// AUTH PLAIN for tests.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Message is one accepted submission
type Message struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
	// Helo is the name the client announced; TLS reports whether the
	// session was encrypted when DATA ran.
	Helo string
	TLS  bool
}

// Server is a running relay. Use ClientTLS when dialing it.
type Server struct {
	Host      string
	Port      int
	ClientTLS *tls.Config

	srv *smtp.Server
	ln  net.Listener

	users      map[string]string
	rejected   map[string]bool
	noStartTLS bool
	onData     func(Message)

	mu        sync.Mutex
	messages  []Message
	mailCount int
	authFails int
}

// Option configures a Server
type Option func(*Server)

// WithUser accepts the given AUTH PLAIN credentials
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// WithRejectedRecipient makes RCPT TO fail permanently for addr
func WithRejectedRecipient(addr string) Option {
	return func(s *Server) {
		s.rejected[strings.ToLower(addr)] = true
	}
}

// WithoutStartTLS disables the STARTTLS extension
func WithoutStartTLS() Option {
	return func(s *Server) {
		s.noStartTLS = true
	}
}

// WithDataHook calls fn after each accepted message
func WithDataHook(fn func(Message)) Option {
	return func(s *Server) {
		s.onData = fn
	}
}

// Start listens on a loopback port and serves until the test ends
func Start(tb testing.TB, opts ...Option) *Server {
	tb.Helper()

	s := &Server{
		users:    make(map[string]string),
		rejected: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	cert, pool, err := selfSigned()
	if err != nil {
		tb.Fatalf("smtptest: certificate: %v", err)
	}
	s.ClientTLS = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("smtptest: listen: %v", err)
	}
	s.ln = ln
	addr := ln.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = "relay.test"
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.AllowInsecureAuth = false
	if !s.noStartTLS {
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		// AUTH is only advertised on plain connections when insecure auth is allowed
		srv.AllowInsecureAuth = true
	}
	s.srv = srv

	go srv.Serve(ln)
	tb.Cleanup(func() {
		srv.Close()
	})

	return s
}

// Messages returns the accepted submissions in arrival order
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MailCommands returns how many MAIL FROM commands were received
func (s *Server) MailCommands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailCount
}

// AuthFailures returns how many logins were rejected
func (s *Server) AuthFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFails
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{server: b.server, conn: c}, nil
}

type session struct {
	server   *Server
	conn     *smtp.Conn
	from     string
	to       []string
	authUser string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}
		expected, ok := s.server.users[username]
		if !ok || expected != password {
			s.server.mu.Lock()
			s.server.authFails++
			s.server.mu.Unlock()
			return smtp.ErrAuthFailed
		}
		s.authUser = username
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.server.mu.Lock()
	s.server.mailCount++
	s.server.mu.Unlock()

	if s.authUser == "" {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "Authentication required"}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.server.rejected[strings.ToLower(to)] {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "Mailbox unavailable"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{Code: 442, Message: "Failed to read message data"}
	}

	msg := Message{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     data,
		AuthUser: s.authUser,
		Helo:     s.conn.Hostname(),
	}
	_, msg.TLS = s.conn.TLSConnectionState()

	s.server.mu.Lock()
	s.server.messages = append(s.server.messages, msg)
	s.server.mu.Unlock()

	if s.server.onData != nil {
		s.server.onData(msg)
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func selfSigned() (tls.Certificate, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost", "relay.test"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool, nil
}
