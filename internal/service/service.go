// Package service ties ingestion, the record store, the mailer and the
// history log together behind the operations exposed by the CLI and API.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/foxzi/legismail/internal/filter"
	"github.com/foxzi/legismail/internal/history"
	"github.com/foxzi/legismail/internal/ingest"
	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/metrics"
	"github.com/foxzi/legismail/internal/models"
	"github.com/foxzi/legismail/internal/store"
)

// Sender delivers batches
type Sender interface {
	Send(ctx context.Context, b *mailer.Batch) (*mailer.Result, error)
	Resolve(senderEmail string) (mailer.Endpoint, bool)
}

// Options configures a Service
type Options struct {
	Store               store.Store
	Mapper              *ingest.Mapper
	Sender              Sender
	Composer            *mailer.Composer
	History             *history.Logger
	RecordFailedBatches bool
	Logger              *slog.Logger
}

// Service is the application core
type Service struct {
	store        store.Store
	mapper       *ingest.Mapper
	sender       Sender
	composer     *mailer.Composer
	history      *history.Logger
	recordFailed bool
	logger       *slog.Logger

	importMu sync.Mutex
	sendMu   sync.Mutex
}

// New creates a Service
func New(opts Options) *Service {
	s := &Service{
		store:        opts.Store,
		mapper:       opts.Mapper,
		sender:       opts.Sender,
		composer:     opts.Composer,
		history:      opts.History,
		recordFailed: opts.RecordFailedBatches,
		logger:       opts.Logger,
	}
	if s.mapper == nil {
		s.mapper = ingest.NewMapper(true)
	}
	if s.composer == nil {
		s.composer = mailer.NewComposer("", "")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Import parses an uploaded spreadsheet and replaces the stored set. On any
// error the previous set is kept.
func (s *Service) Import(ctx context.Context, filename string, r io.Reader) (*models.ImportResult, error) {
	table, err := ingest.ReadTable(filename, r)
	if err != nil {
		metrics.ObserveImport("", "error", 0, 0)
		return nil, err
	}

	result, err := s.mapper.Map(table)
	if err != nil {
		profile, skipped := "", 0
		if result != nil {
			profile, skipped = result.Profile, result.Skipped
		}
		metrics.ObserveImport(profile, "rejected", skipped, 0)
		return result, err
	}

	s.importMu.Lock()
	defer s.importMu.Unlock()

	stored, err := s.store.ReplaceLegislators(ctx, result.Legislators)
	if err != nil {
		metrics.ObserveImport(result.Profile, "error", result.Skipped, 0)
		return nil, fmt.Errorf("failed to store legislators: %w", err)
	}
	result.Legislators = stored

	metrics.ObserveImport(result.Profile, "ok", result.Skipped, len(stored))
	s.logger.Info("legislators imported",
		"file", filename,
		"profile", result.Profile,
		"imported", result.Imported,
		"skipped", result.Skipped,
		"without_email", filter.MissingEmail(stored),
	)

	return result, nil
}

// Legislators returns the stored records matching c
func (s *Service) Legislators(ctx context.Context, c models.Criteria) ([]models.Legislator, error) {
	records, err := s.store.ListLegislators(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list legislators: %w", err)
	}
	return filter.Apply(records, c), nil
}

// Facets returns the distinct filter values of the stored set
func (s *Service) Facets(ctx context.Context) (models.Facets, error) {
	records, err := s.store.ListLegislators(ctx)
	if err != nil {
		return models.Facets{}, fmt.Errorf("failed to list legislators: %w", err)
	}
	return filter.Facets(records), nil
}

// Selection picks recipients from the stored set. Empty IDs select every
// record; the filter then narrows the selection.
type Selection struct {
	IDs    []int64         `json:"ids,omitempty"`
	Filter models.Criteria `json:"filter"`
}

// SendRequest is a bulk send. Explicit Recipients take precedence over
// Selection.
type SendRequest struct {
	Subject        string
	Message        string
	SenderName     string
	SenderEmail    string
	SenderPassword string
	Recipients     []mailer.Recipient
	Selection      *Selection
}

// Recipients resolves who a request addresses
func (s *Service) Recipients(ctx context.Context, req *SendRequest) ([]mailer.Recipient, error) {
	if len(req.Recipients) > 0 || req.Selection == nil {
		return req.Recipients, nil
	}

	records, err := s.store.ListLegislators(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list legislators: %w", err)
	}
	if len(req.Selection.IDs) > 0 {
		records = filter.Select(records, req.Selection.IDs)
	}
	return filter.Recipients(filter.Apply(records, req.Selection.Filter)), nil
}

func (s *Service) batch(ctx context.Context, req *SendRequest) (*mailer.Batch, error) {
	recipients, err := s.Recipients(ctx, req)
	if err != nil {
		return nil, err
	}
	return &mailer.Batch{
		Recipients:     recipients,
		Subject:        req.Subject,
		Body:           req.Message,
		SenderName:     req.SenderName,
		SenderEmail:    req.SenderEmail,
		SenderPassword: req.SenderPassword,
	}, nil
}

// Send delivers a batch and records it in the history. Batches are
// serialized. The result is non-nil whenever the mailer got past
// validation, including on *mailer.BatchError.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*mailer.Result, error) {
	b, err := s.batch(ctx, req)
	if err != nil {
		return nil, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	result, err := s.sender.Send(ctx, b)
	if err != nil {
		var be *mailer.BatchError
		if errors.As(err, &be) && s.recordFailed {
			s.record(ctx, b, result)
		}
		return result, err
	}

	s.record(ctx, b, result)
	return result, nil
}

// record logs the batch; messages already went out, so a storage failure
// is logged rather than returned.
func (s *Service) record(ctx context.Context, b *mailer.Batch, result *mailer.Result) {
	if s.history == nil || result == nil {
		return
	}
	_, err := s.history.Record(context.WithoutCancel(ctx), history.Record{
		Subject:        b.Subject,
		Body:           b.Body,
		SenderName:     b.SenderName,
		SenderEmail:    b.SenderEmail,
		RecipientCount: len(b.Recipients),
		Sent:           result.Sent,
		Failed:         result.Failed,
	})
	if err != nil {
		s.logger.Error("failed to record batch", "error", err)
	}
}

// Preview is a dry run of a send request
type Preview struct {
	Endpoint     mailer.Endpoint    `json:"endpoint"`
	Known        bool               `json:"known"`
	Recipients   []mailer.Recipient `json:"recipients"`
	WithoutEmail int                `json:"without_email"`
	Sample       string             `json:"sample"`
}

// Preview validates a request and renders the first message without
// contacting the relay. The password is not required.
func (s *Service) Preview(ctx context.Context, req *SendRequest) (*Preview, error) {
	b, err := s.batch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := b.ValidateDraft(); err != nil {
		return nil, err
	}

	p := &Preview{Recipients: b.Recipients}
	p.Endpoint, p.Known = s.sender.Resolve(b.SenderEmail)
	for _, r := range b.Recipients {
		if strings.TrimSpace(r.Email) == "" {
			p.WithoutEmail++
		}
	}
	p.Sample = s.composer.Text(b, b.Recipients[0])
	return p, nil
}

// History returns up to limit past batches, newest first
func (s *Service) History(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, limit)
}

// ResolveSMTP reports the relay used for a sender address
func (s *Service) ResolveSMTP(senderEmail string) (mailer.Endpoint, bool) {
	return s.sender.Resolve(senderEmail)
}

// Count returns the size of the stored set
func (s *Service) Count(ctx context.Context) (int, error) {
	records, err := s.store.ListLegislators(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list legislators: %w", err)
	}
	return len(records), nil
}
