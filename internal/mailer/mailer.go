// Package mailer sends one personalized message per recipient over a single
// authenticated SMTP submission session.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/legismail/internal/dkim"
	"github.com/foxzi/legismail/internal/email"
	"github.com/foxzi/legismail/internal/metrics"
	"github.com/foxzi/legismail/internal/ratelimit"
)

// Recipient statuses
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Recipient is one addressee of a batch
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Batch is a single bulk send request
type Batch struct {
	Recipients     []Recipient
	Subject        string
	Body           string
	SenderName     string
	SenderEmail    string
	SenderPassword string
}

// RecipientResult is the outcome for one recipient
type RecipientResult struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result summarizes a batch. Skipped recipients count as failed.
type Result struct {
	Sent   int               `json:"sent"`
	Failed int               `json:"failed"`
	Items  []RecipientResult `json:"items"`
}

// Total returns the number of recipients covered by the result
func (r *Result) Total() int {
	return r.Sent + r.Failed
}

// EndpointResolver picks the relay for a sender address
type EndpointResolver interface {
	Resolve(senderEmail string) (Endpoint, bool)
}

// Options configures a Mailer
type Options struct {
	Timeout   time.Duration
	Hostname  string
	TLSConfig *tls.Config
	Resolver  EndpointResolver
	Composer  *Composer
	Signer    *dkim.Signer
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
}

// Mailer delivers batches through the sender's own relay
type Mailer struct {
	timeout   time.Duration
	hostname  string
	tlsConfig *tls.Config
	resolver  EndpointResolver
	composer  *Composer
	signer    *dkim.Signer
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

// New creates a Mailer
func New(opts Options) *Mailer {
	m := &Mailer{
		timeout:   opts.Timeout,
		hostname:  opts.Hostname,
		tlsConfig: opts.TLSConfig,
		resolver:  opts.Resolver,
		composer:  opts.Composer,
		signer:    opts.Signer,
		limiter:   opts.Limiter,
		logger:    opts.Logger,
	}
	if m.timeout == 0 {
		m.timeout = 30 * time.Second
	}
	if m.hostname == "" {
		m.hostname = "localhost"
	}
	if m.resolver == nil {
		m.resolver, _ = NewResolver(nil, "", 0)
	}
	if m.composer == nil {
		m.composer = NewComposer("", "")
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Resolve exposes the relay chosen for a sender address
func (m *Mailer) Resolve(senderEmail string) (Endpoint, bool) {
	return m.resolver.Resolve(senderEmail)
}

// Validate checks the batch fields without touching the network
func (b *Batch) Validate() error {
	if err := b.ValidateDraft(); err != nil {
		return err
	}
	if strings.TrimSpace(b.SenderPassword) == "" {
		return &ValidationError{Field: "sender_password", Reason: "must not be empty"}
	}
	return nil
}

// ValidateDraft is Validate without the credential check, for previews
func (b *Batch) ValidateDraft() error {
	required := []struct{ field, value string }{
		{"subject", b.Subject},
		{"message", b.Body},
		{"sender_name", b.SenderName},
		{"sender_email", b.SenderEmail},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "must not be empty"}
		}
	}
	if !email.Valid(b.SenderEmail) {
		return &ValidationError{Field: "sender_email", Reason: "not a valid address"}
	}
	if len(b.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Reason: "no recipients selected"}
	}
	return nil
}

// Send delivers the batch. A non-nil error is either a *ValidationError
// (result nil) or a *BatchError (every recipient failed, none attempted).
func (m *Mailer) Send(ctx context.Context, b *Batch) (*Result, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ep, _ := m.resolver.Resolve(b.SenderEmail)
	logger := m.logger.With("relay", ep.String(), "sender", b.SenderEmail)

	client, err := m.open(ctx, ep, b)
	if err != nil {
		var be *BatchError
		if errors.As(err, &be) && be.Stage == StageAuth {
			metrics.IncSMTPAuthFailed()
		}
		logger.Warn("batch aborted", "error", err)
		metrics.IncBatches("aborted")
		return failAll(b.Recipients, err.Error()), err
	}
	defer client.Close()

	result := &Result{Items: make([]RecipientResult, 0, len(b.Recipients))}
	for i, r := range b.Recipients {
		if ctx.Err() != nil {
			logger.Warn("batch cancelled", "remaining", len(b.Recipients)-i)
			for _, rest := range b.Recipients[i:] {
				result.add(rest, StatusFailed, "cancelled")
			}
			break
		}

		if strings.TrimSpace(r.Email) == "" {
			result.add(r, StatusSkipped, "no email address")
			metrics.IncMessagesFailed("", "no_address")
			continue
		}

		if denied, reason := m.overQuota(b.SenderEmail, ep); denied {
			logger.Warn("sending quota exceeded", "reason", reason, "remaining", len(b.Recipients)-i)
			for _, rest := range b.Recipients[i:] {
				result.add(rest, StatusFailed, reason)
			}
			break
		}

		if err := m.deliver(client, b, r); err != nil {
			domain := email.ExtractDomain(r.Email)
			logger.Warn("delivery failed", "recipient", r.Email, "error", err)
			result.add(r, StatusFailed, err.Error())
			metrics.IncMessagesFailed(domain, failureReason(err))

			if rerr := client.Reset(); rerr != nil {
				logger.Error("session lost", "error", rerr)
				for _, rest := range b.Recipients[i+1:] {
					result.add(rest, StatusFailed, "session lost")
				}
				break
			}
			continue
		}

		result.add(r, StatusSent, "")
		metrics.IncMessagesSent(email.ExtractDomain(r.Email))
		logger.Debug("message sent", "recipient", r.Email)
	}

	if err := client.Quit(); err != nil {
		logger.Debug("quit failed", "error", err)
	}

	metrics.IncBatches(outcome(result))
	metrics.ObserveBatchDuration(time.Since(start).Seconds())
	logger.Info("batch finished",
		"sent", result.Sent,
		"failed", result.Failed,
		"duration", time.Since(start),
	)

	return result, nil
}

// overQuota counts one message against the sender and relay quotas
func (m *Mailer) overQuota(sender string, ep Endpoint) (bool, string) {
	if m.limiter == nil {
		return false, ""
	}
	res := m.limiter.Allow(ratelimit.Request{Sender: sender, Relay: ep.Host})
	if res.Allowed {
		return false, ""
	}
	metrics.IncQuotaExceeded(string(res.DeniedBy))
	return true, fmt.Sprintf("%s quota exceeded, retry in %s", res.DeniedBy, res.RetryAfter.Round(time.Minute))
}

// open dials the relay and brings the session to the authenticated state
func (m *Mailer) open(ctx context.Context, ep Endpoint, b *Batch) (*smtp.Client, error) {
	tlsConfig := m.tlsConfigFor(ep)
	dialer := &net.Dialer{Timeout: m.timeout}

	var conn net.Conn
	var err error
	implicitTLS := ep.Port == 465
	if implicitTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", ep.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", ep.Addr())
	}
	if err != nil {
		return nil, &BatchError{Stage: StageConnect, Endpoint: ep, Err: err}
	}

	var client *smtp.Client
	if implicitTLS {
		client = smtp.NewClient(conn)
	} else {
		// The plaintext leg greets as "localhost"; the configured hostname
		// is announced on the EHLO that follows the upgrade.
		conn.SetDeadline(time.Now().Add(m.timeout))
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			if strings.Contains(err.Error(), "doesn't support STARTTLS") {
				err = ErrStartTLSRequired
			}
			return nil, &BatchError{Stage: StageStartTLS, Endpoint: ep, Err: err}
		}
		conn.SetDeadline(time.Time{})
	}
	client.CommandTimeout = m.timeout
	client.SubmissionTimeout = m.timeout

	fail := func(stage string, err error) (*smtp.Client, error) {
		client.Close()
		return nil, &BatchError{Stage: stage, Endpoint: ep, Err: err}
	}

	// After STARTTLS this EHLO also drives the TLS handshake.
	helloStage := StageStartTLS
	if implicitTLS {
		helloStage = StageConnect
	}
	if err := client.Hello(m.hostname); err != nil {
		return fail(helloStage, err)
	}

	auth := sasl.NewPlainClient("", b.SenderEmail, b.SenderPassword)
	if err := client.Auth(auth); err != nil {
		return fail(StageAuth, fmt.Errorf("%w: %v", ErrAuthFailed, err))
	}

	return client, nil
}

func (m *Mailer) tlsConfigFor(ep Endpoint) *tls.Config {
	var cfg *tls.Config
	if m.tlsConfig != nil {
		cfg = m.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ep.Host
	}
	return cfg
}

// deliver runs MAIL, RCPT and DATA for one recipient
func (m *Mailer) deliver(client *smtp.Client, b *Batch, r Recipient) error {
	msg, err := m.composer.Build(b, r)
	if err != nil {
		return err
	}

	if m.signer != nil && m.signer.AppliesTo(b.SenderEmail) {
		signed, err := m.signer.Sign(msg)
		if err != nil {
			m.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", m.signer.Domain(),
				"error", err,
			)
		} else {
			msg = signed
		}
	}

	if err := client.Mail(b.SenderEmail, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(r.Email, nil); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("DATA write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	return nil
}

func (r *Result) add(rcpt Recipient, status, reason string) {
	r.Items = append(r.Items, RecipientResult{
		Name:   rcpt.Name,
		Email:  rcpt.Email,
		Status: status,
		Error:  reason,
	})
	if status == StatusSent {
		r.Sent++
	} else {
		r.Failed++
	}
}

func failAll(recipients []Recipient, reason string) *Result {
	result := &Result{Items: make([]RecipientResult, 0, len(recipients))}
	for _, r := range recipients {
		result.add(r, StatusFailed, reason)
	}
	return result
}

func outcome(r *Result) string {
	switch {
	case r.Failed == 0:
		return "complete"
	case r.Sent == 0:
		return "failed"
	default:
		return "partial"
	}
}

// failureReason maps an SMTP reply to a low-cardinality metric label
func failureReason(err error) string {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return "rejected"
		}
		return "deferred"
	}
	return "error"
}
