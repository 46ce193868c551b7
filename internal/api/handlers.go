package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/legismail/internal/ingest"
	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/models"
	"github.com/foxzi/legismail/internal/service"
)

// multipartMemory is how much of an upload is buffered before spilling to disk
const multipartMemory = 8 << 20

// maxSendBody caps the JSON body of a send request
const maxSendBody = 4 << 20

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// UploadResponse is the response for POST /legislators/upload
type UploadResponse struct {
	Message string              `json:"message"`
	Profile string              `json:"profile"`
	Skipped int                 `json:"skipped"`
	Issues  []models.RowIssue   `json:"issues,omitempty"`
	Data    []models.Legislator `json:"data"`
}

// SendRequest is the request body for POST /send
type SendRequest struct {
	Subject        string             `json:"subject"`
	Message        string             `json:"message"`
	SenderName     string             `json:"sender_name"`
	SenderEmail    string             `json:"sender_email"`
	SenderPassword string             `json:"sender_password"`
	Recipients     []mailer.Recipient `json:"recipients"`
	Selection      *service.Selection `json:"selection,omitempty"`
}

// SendResponse is the response for POST /send
type SendResponse struct {
	Message string                   `json:"message"`
	Sent    int                      `json:"sent"`
	Failed  int                      `json:"failed"`
	Total   int                      `json:"total"`
	Items   []mailer.RecipientResult `json:"items,omitempty"`
}

// HistoryItem is one entry of GET /history
type HistoryItem struct {
	ID             string `json:"id"`
	Subject        string `json:"subject"`
	Message        string `json:"message"`
	SenderName     string `json:"sender_name"`
	SenderEmail    string `json:"sender_email"`
	RecipientCount int    `json:"recipients_count"`
	Sent           int    `json:"sent"`
	Failed         int    `json:"failed"`
	CreatedAt      string `json:"created_at"`
}

// ResolveResponse is the response for GET /smtp/resolve
type ResolveResponse struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Known bool   `json:"known"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleUpload handles POST /api/v1/legislators/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.config.Import.MaxUploadBytes
	if r.ContentLength > maxBytes {
		s.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds %d bytes", maxBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds %d bytes", maxBytes))
			return
		}
		s.sendError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		s.sendError(w, http.StatusBadRequest, "No file selected")
		return
	}

	result, err := s.svc.Import(r.Context(), header.Filename, file)
	if err != nil {
		var missing *ingest.MissingColumnsError
		switch {
		case errors.Is(err, ingest.ErrUnsupportedFormat),
			errors.Is(err, ingest.ErrEmptyFile),
			errors.Is(err, ingest.ErrNoRecords),
			errors.As(err, &missing):
			s.sendError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("failed to import legislators", "file", header.Filename, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to process file")
		}
		return
	}

	s.sendJSON(w, http.StatusOK, UploadResponse{
		Message: fmt.Sprintf("%d legislators loaded", len(result.Legislators)),
		Profile: result.Profile,
		Skipped: result.Skipped,
		Issues:  result.Issues,
		Data:    result.Legislators,
	})
}

// handleLegislators handles GET /api/v1/legislators
func (s *Server) handleLegislators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := models.Criteria{
		Name:  q.Get("name"),
		Party: q.Get("party"),
		State: q.Get("state"),
	}
	if role := q.Get("role"); role != "" {
		criteria.Role = models.ParseRole(role)
	}

	records, err := s.svc.Legislators(r.Context(), criteria)
	if err != nil {
		s.logger.Error("failed to list legislators", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list legislators")
		return
	}

	s.sendJSON(w, http.StatusOK, records)
}

// handleFacets handles GET /api/v1/legislators/facets
func (s *Server) handleFacets(w http.ResponseWriter, r *http.Request) {
	facets, err := s.svc.Facets(r.Context())
	if err != nil {
		s.logger.Error("failed to compute facets", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list legislators")
		return
	}

	s.sendJSON(w, http.StatusOK, facets)
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBody)

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", maxSendBody))
			return
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.svc.Send(r.Context(), &service.SendRequest{
		Subject:        req.Subject,
		Message:        req.Message,
		SenderName:     req.SenderName,
		SenderEmail:    req.SenderEmail,
		SenderPassword: req.SenderPassword,
		Recipients:     req.Recipients,
		Selection:      req.Selection,
	})
	if err != nil {
		s.sendSendError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, SendResponse{
		Message: "Send completed",
		Sent:    result.Sent,
		Failed:  result.Failed,
		Total:   result.Total(),
		Items:   result.Items,
	})
}

func (s *Server) sendSendError(w http.ResponseWriter, err error) {
	var ve *mailer.ValidationError
	var be *mailer.BatchError

	switch {
	case errors.As(err, &ve):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mailer.ErrAuthFailed):
		s.sendError(w, http.StatusBadRequest,
			"Email authentication failed. Check the credentials and whether the account requires an app password.")
	case errors.As(err, &be):
		s.logger.Warn("relay unavailable", "stage", be.Stage, "endpoint", be.Endpoint.String(), "error", be.Err)
		s.sendError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("failed to send batch", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to send emails")
	}
}

// handleHistory handles GET /api/v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.config.History.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list history")
		return
	}

	items := make([]HistoryItem, len(entries))
	for i, e := range entries {
		items[i] = HistoryItem{
			ID:             e.ID,
			Subject:        e.Subject,
			Message:        e.Body,
			SenderName:     e.SenderName,
			SenderEmail:    e.SenderEmail,
			RecipientCount: e.RecipientCount,
			Sent:           e.SentCount,
			Failed:         e.FailedCount,
			CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	s.sendJSON(w, http.StatusOK, items)
}

// handleResolve handles GET /api/v1/smtp/resolve
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("email")
	if addr == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}

	ep, known := s.svc.ResolveSMTP(addr)
	s.sendJSON(w, http.StatusOK, ResolveResponse{Host: ep.Host, Port: ep.Port, Known: known})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
