package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"strings"
	"testing"

	"github.com/foxzi/legismail/internal/ratelimit"
	"github.com/foxzi/legismail/internal/smtptest"
)

const (
	testUser     = "gabinete@example.org"
	testPassword = "s3cret"
)

func newTestMailer(t *testing.T, srv *smtptest.Server) *Mailer {
	t.Helper()
	resolver, err := NewResolver(nil, srv.Host, srv.Port)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return New(Options{
		Hostname:  "client.test",
		TLSConfig: srv.ClientTLS,
		Resolver:  resolver,
	})
}

func testBatch(recipients ...Recipient) *Batch {
	return &Batch{
		Recipients:     recipients,
		Subject:        "Reforma tributária",
		Body:           "Olá {name}, tudo bem?",
		SenderName:     "Gabinete",
		SenderEmail:    testUser,
		SenderPassword: testPassword,
	}
}

func decodeBody(t *testing.T, data []byte) (*mail.Message, string) {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	body, err := io.ReadAll(quotedprintable.NewReader(msg.Body))
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	return msg, string(body)
}

func TestSendDeliversPersonalizedMessages(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithUser(testUser, testPassword))
	m := newTestMailer(t, srv)

	result, err := m.Send(context.Background(), testBatch(
		Recipient{Name: "Ana", Email: "ana@camara.leg.br"},
		Recipient{Name: "Bruno", Email: "bruno@senado.leg.br"},
	))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if result.Sent != 2 || result.Failed != 0 {
		t.Errorf("result = %d sent / %d failed, want 2/0", result.Sent, result.Failed)
	}

	msgs := srv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("relay received %d messages, want 2", len(msgs))
	}
	if msgs[0].AuthUser != testUser {
		t.Errorf("AuthUser = %q, want %q", msgs[0].AuthUser, testUser)
	}
	if msgs[1].To[0] != "bruno@senado.leg.br" {
		t.Errorf("second To = %v", msgs[1].To)
	}

	msg, body := decodeBody(t, msgs[0].Data)
	if got := msg.Header.Get("From"); got != `"Gabinete" <gabinete@example.org>` {
		t.Errorf("From = %q", got)
	}
	want := "Prezado(a) Ana,\r\n\r\nOlá Ana, tudo bem?\r\n\r\nAtenciosamente,\r\nGabinete\r\ngabinete@example.org\r\n"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if !strings.HasSuffix(msg.Header.Get("Message-ID"), "@example.org>") {
		t.Errorf("Message-ID = %q", msg.Header.Get("Message-ID"))
	}
}

func TestSendSkipsEmptyEmail(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithUser(testUser, testPassword))
	m := newTestMailer(t, srv)

	result, err := m.Send(context.Background(), testBatch(
		Recipient{Name: "Ana", Email: "ana@x.com"},
		Recipient{Name: "Sem Email", Email: ""},
		Recipient{Name: "Carla", Email: "carla@x.com"},
	))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if result.Sent != 2 || result.Failed != 1 {
		t.Errorf("result = %d sent / %d failed, want 2/1", result.Sent, result.Failed)
	}
	if result.Items[1].Status != StatusSkipped {
		t.Errorf("Items[1].Status = %s, want skipped", result.Items[1].Status)
	}
	if got := srv.MailCommands(); got != 2 {
		t.Errorf("MAIL commands = %d, want 2", got)
	}
}

func TestSendStopsAtSenderQuota(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithUser(testUser, testPassword))
	m := newTestMailer(t, srv)

	limiter, err := ratelimit.New(ratelimit.Config{Sender: &ratelimit.Limit{MessagesPerHour: 2}})
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}
	m.limiter = limiter

	result, err := m.Send(context.Background(), testBatch(
		Recipient{Name: "Ana", Email: "ana@x.com"},
		Recipient{Name: "Bia", Email: "bia@x.com"},
		Recipient{Name: "Carla", Email: "carla@x.com"},
		Recipient{Name: "Dora", Email: "dora@x.com"},
	))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if result.Sent != 2 || result.Failed != 2 {
		t.Errorf("result = %d sent / %d failed, want 2/2", result.Sent, result.Failed)
	}
	for _, item := range result.Items[2:] {
		if item.Status != StatusFailed || !strings.Contains(item.Error, "sender quota exceeded") {
			t.Errorf("item = %+v, want quota failure", item)
		}
	}
	if got := len(srv.Messages()); got != 2 {
		t.Errorf("messages delivered = %d, want 2", got)
	}
}

func TestSendRejectedRecipientDoesNotStopBatch(t *testing.T) {
	srv := smtptest.Start(t,
		smtptest.WithUser(testUser, testPassword),
		smtptest.WithRejectedRecipient("bad@x.com"),
	)
	m := newTestMailer(t, srv)

	result, err := m.Send(context.Background(), testBatch(
		Recipient{Name: "Bad", Email: "bad@x.com"},
		Recipient{Name: "Good", Email: "good@x.com"},
	))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if result.Sent != 1 || result.Failed != 1 {
		t.Errorf("result = %d sent / %d failed, want 1/1", result.Sent, result.Failed)
	}
	if result.Items[0].Status != StatusFailed || !strings.Contains(result.Items[0].Error, "RCPT TO") {
		t.Errorf("Items[0] = %+v", result.Items[0])
	}
	if msgs := srv.Messages(); len(msgs) != 1 || msgs[0].To[0] != "good@x.com" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSendAuthFailure(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithUser(testUser, "other"))
	m := newTestMailer(t, srv)

	batch := testBatch(
		Recipient{Name: "Ana", Email: "ana@x.com"},
		Recipient{Name: "Bruno", Email: "bruno@x.com"},
		Recipient{Name: "Carla", Email: "carla@x.com"},
	)
	result, err := m.Send(context.Background(), batch)

	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Send() error = %v, want ErrAuthFailed", err)
	}
	var be *BatchError
	if !errors.As(err, &be) || be.Stage != StageAuth {
		t.Errorf("error = %#v, want auth BatchError", err)
	}
	if result.Sent != 0 || result.Failed != 3 {
		t.Errorf("result = %d sent / %d failed, want 0/3", result.Sent, result.Failed)
	}
	if got := srv.MailCommands(); got != 0 {
		t.Errorf("MAIL commands = %d, want 0", got)
	}
	if got := srv.AuthFailures(); got != 1 {
		t.Errorf("auth failures = %d, want 1", got)
	}
}

func TestSendUpgradesBeforeAuth(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithUser(testUser, testPassword))
	m := newTestMailer(t, srv)

	if _, err := m.Send(context.Background(), testBatch(Recipient{Name: "Ana", Email: "ana@x.com"})); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(msgs))
	}
	if !msgs[0].TLS {
		t.Error("message was submitted without TLS")
	}
	if msgs[0].Helo != "client.test" {
		t.Errorf("Helo = %q, want client.test", msgs[0].Helo)
	}
}

func TestSendRequiresStartTLS(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithUser(testUser, testPassword), smtptest.WithoutStartTLS())
	m := newTestMailer(t, srv)

	result, err := m.Send(context.Background(), testBatch(Recipient{Name: "Ana", Email: "ana@x.com"}))

	var be *BatchError
	if !errors.As(err, &be) || be.Stage != StageStartTLS {
		t.Fatalf("Send() error = %v, want starttls BatchError", err)
	}
	if !errors.Is(err, ErrStartTLSRequired) {
		t.Errorf("error = %v, want ErrStartTLSRequired", err)
	}
	if result.Failed != 1 || srv.MailCommands() != 0 {
		t.Errorf("result = %+v, MAIL commands = %d", result, srv.MailCommands())
	}
}

func TestSendConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	resolver, _ := NewResolver(nil, "127.0.0.1", port)
	m := New(Options{Resolver: resolver})

	result, err := m.Send(context.Background(), testBatch(Recipient{Name: "Ana", Email: "ana@x.com"}))

	var be *BatchError
	if !errors.As(err, &be) || be.Stage != StageConnect {
		t.Fatalf("Send() error = %v, want connect BatchError", err)
	}
	if result.Sent != 0 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestSendValidatesBeforeDialing(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithUser(testUser, testPassword))
	m := newTestMailer(t, srv)

	tests := []struct {
		name   string
		mutate func(b *Batch)
		field  string
	}{
		{"empty subject", func(b *Batch) { b.Subject = " " }, "subject"},
		{"empty message", func(b *Batch) { b.Body = "" }, "message"},
		{"empty sender name", func(b *Batch) { b.SenderName = "" }, "sender_name"},
		{"empty sender email", func(b *Batch) { b.SenderEmail = "" }, "sender_email"},
		{"malformed sender email", func(b *Batch) { b.SenderEmail = "not-an-address" }, "sender_email"},
		{"empty password", func(b *Batch) { b.SenderPassword = "" }, "sender_password"},
		{"no recipients", func(b *Batch) { b.Recipients = nil }, "recipients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBatch(Recipient{Name: "Ana", Email: "ana@x.com"})
			tt.mutate(b)

			result, err := m.Send(context.Background(), b)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Send() error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %s, want %s", ve.Field, tt.field)
			}
			if result != nil {
				t.Errorf("result = %+v, want nil", result)
			}
		})
	}

	if got := srv.MailCommands(); got != 0 {
		t.Errorf("MAIL commands = %d, want 0", got)
	}
}

func TestSendCancelledMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := smtptest.Start(t,
		smtptest.WithUser(testUser, testPassword),
		smtptest.WithDataHook(func(smtptest.Message) { cancel() }),
	)
	m := newTestMailer(t, srv)

	result, err := m.Send(ctx, testBatch(
		Recipient{Name: "Ana", Email: "ana@x.com"},
		Recipient{Name: "Bruno", Email: "bruno@x.com"},
		Recipient{Name: "Carla", Email: "carla@x.com"},
	))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if result.Sent != 1 || result.Failed != 2 {
		t.Errorf("result = %d sent / %d failed, want 1/2", result.Sent, result.Failed)
	}
	for _, item := range result.Items[1:] {
		if item.Error != "cancelled" {
			t.Errorf("item %s error = %q, want cancelled", item.Email, item.Error)
		}
	}
	if result.Total() != 3 {
		t.Errorf("Total() = %d, want 3", result.Total())
	}
}
