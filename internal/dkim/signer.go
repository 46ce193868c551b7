// Package dkim signs outgoing messages for the configured sender domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxzi/legismail/internal/config"
	"github.com/foxzi/legismail/internal/email"
)

// signedHeaders are the header fields covered by the signature
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

// Signer signs messages with one domain key
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     strings.ToLower(domain),
		selector:   selector,
	}
}

// NewSignerFromConfig loads the key named in cfg. It returns nil, nil when
// signing is disabled.
func NewSignerFromConfig(cfg config.DKIMConfig) (*Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	privateKey, err := LoadPrivateKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(privateKey, cfg.Domain, cfg.Selector), nil
}

// AppliesTo reports whether messages from this sender should carry our
// signature: the sender domain must be the signing domain or below it.
func (s *Signer) AppliesTo(from string) bool {
	domain := email.ExtractDomain(from)
	return domain == s.domain || strings.HasSuffix(domain, "."+s.domain)
}

// Sign returns message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signed.Bytes(), nil
}

func (s *Signer) Domain() string {
	return s.domain
}

func (s *Signer) Selector() string {
	return s.selector
}

// DNSRecord is the TXT value that must be published for this signer's key
func (s *Signer) DNSRecord() (string, error) {
	kp := &KeyPair{PrivateKey: s.privateKey, Domain: s.domain, Selector: s.selector}
	return kp.DNSRecord()
}
