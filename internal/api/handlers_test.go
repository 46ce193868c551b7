package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/legismail/internal/config"
	"github.com/foxzi/legismail/internal/filter"
	"github.com/foxzi/legismail/internal/ingest"
	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/models"
	"github.com/foxzi/legismail/internal/service"
)

// mockService implements Service for testing
type mockService struct {
	records  []models.Legislator
	history  []models.HistoryEntry
	sendErr  error
	result   *mailer.Result
	lastSend *service.SendRequest
	lastLim  int
}

func (m *mockService) Import(ctx context.Context, filename string, r io.Reader) (*models.ImportResult, error) {
	table, err := ingest.ReadTable(filename, r)
	if err != nil {
		return nil, err
	}
	result, err := ingest.NewMapper(true).Map(table)
	if err != nil {
		return result, err
	}
	for i := range result.Legislators {
		result.Legislators[i].ID = int64(i + 1)
	}
	m.records = result.Legislators
	return result, nil
}

func (m *mockService) Legislators(ctx context.Context, c models.Criteria) ([]models.Legislator, error) {
	return filter.Apply(m.records, c), nil
}

func (m *mockService) Facets(ctx context.Context) (models.Facets, error) {
	return filter.Facets(m.records), nil
}

func (m *mockService) Send(ctx context.Context, req *service.SendRequest) (*mailer.Result, error) {
	m.lastSend = req
	return m.result, m.sendErr
}

func (m *mockService) History(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	m.lastLim = limit
	return m.history, nil
}

func (m *mockService) ResolveSMTP(senderEmail string) (mailer.Endpoint, bool) {
	return mailer.ResolveEndpoint(senderEmail), true
}

func newTestServer(t *testing.T, svc Service, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(svc, cfg, "test", logger)
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/legislators/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp.Error
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &mockService{}, nil)

	rr := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp HealthResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleUpload(t *testing.T) {
	svc := &mockService{}
	s := newTestServer(t, svc, nil)

	content := "Nome Parlamentar,Partido,UF,Correio Eletrônico\nJ. Silva,PT,SP,j@x.com\n,PT,SP,nobody@x.com\n"
	rr := do(s, uploadRequest(t, "deputados.csv", content))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp UploadResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp.Message != "1 legislators loaded" || resp.Profile != "camara" || resp.Skipped != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Data) != 1 || resp.Data[0].Role != models.RoleDeputy {
		t.Errorf("data = %+v", resp.Data)
	}
}

func TestHandleUploadErrors(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		wantCode int
		wantErr  string
	}{
		{
			name: "missing file",
			req: func(t *testing.T) *http.Request {
				var buf bytes.Buffer
				mw := multipart.NewWriter(&buf)
				mw.WriteField("other", "x")
				mw.Close()
				req := httptest.NewRequest(http.MethodPost, "/api/v1/legislators/upload", &buf)
				req.Header.Set("Content-Type", mw.FormDataContentType())
				return req
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "No file uploaded",
		},
		{
			name: "unsupported extension",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "lista.pdf", "%PDF")
			},
			wantCode: http.StatusBadRequest,
			wantErr:  ".csv, .xls, .xlsx",
		},
		{
			name: "missing columns",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "lista.csv", "nome,email\nAna,a@x.com\n")
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "missing required columns: party, state",
		},
		{
			name: "no records",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "lista.csv", "nome,partido,uf\nAna,PT,SP\n")
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "no valid legislator records",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockService{}, nil)
			rr := do(s, tt.req(t))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if msg := decodeError(t, rr); !strings.Contains(msg, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.wantErr)
			}
		})
	}
}

func TestHandleUploadTooLarge(t *testing.T) {
	s := newTestServer(t, &mockService{}, func(c *config.Config) {
		c.Import.MaxUploadBytes = 64
	})

	rr := do(s, uploadRequest(t, "big.csv", strings.Repeat("a", 1024)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}

func TestHandleLegislatorsFilter(t *testing.T) {
	svc := &mockService{records: []models.Legislator{
		{ID: 1, Name: "João Silva", Party: "PT", State: "SP", Role: models.RoleDeputy},
		{ID: 2, Name: "Maria", Party: "PL", State: "RJ", Role: models.RoleSenator},
		{ID: 3, Name: "Ana Silva", Party: "PT", State: "RJ", Role: models.RoleSenator},
	}}
	s := newTestServer(t, svc, nil)

	rr := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/legislators?name=silva&state=rj&role=senador", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got []models.Legislator
	json.NewDecoder(rr.Body).Decode(&got)
	if len(got) != 1 || got[0].ID != 3 {
		t.Errorf("got = %+v, want only Ana Silva", got)
	}

	rr = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/legislators/facets", nil))
	var facets models.Facets
	json.NewDecoder(rr.Body).Decode(&facets)
	if len(facets.States) != 2 || facets.States[0] != "RJ" {
		t.Errorf("facets = %+v", facets)
	}
}

func TestHandleSend(t *testing.T) {
	svc := &mockService{result: &mailer.Result{Sent: 2, Failed: 1}}
	s := newTestServer(t, svc, nil)

	body := `{"subject":"S","message":"Olá {name}","sender_name":"G","sender_email":"g@gmail.com",` +
		`"sender_password":"pw","selection":{"ids":[1,2,3],"filter":{"party":"PT","role":"Deputy"}}}`
	rr := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/send", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp SendResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Sent != 2 || resp.Failed != 1 || resp.Total != 3 || resp.Message != "Send completed" {
		t.Errorf("resp = %+v", resp)
	}
	if svc.lastSend.Selection == nil || len(svc.lastSend.Selection.IDs) != 3 || svc.lastSend.Selection.Filter.Party != "PT" {
		t.Errorf("selection = %+v", svc.lastSend.Selection)
	}
	if svc.lastSend.Selection.Filter.Role != models.RoleDeputy {
		t.Errorf("role = %q, want deputy", svc.lastSend.Selection.Filter.Role)
	}
	if svc.lastSend.SenderPassword != "pw" {
		t.Error("password not passed through")
	}
}

func TestHandleSendErrors(t *testing.T) {
	ep := mailer.Endpoint{Host: "smtp.gmail.com", Port: 587}
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"validation", &mailer.ValidationError{Field: "subject", Reason: "must not be empty"}, http.StatusBadRequest},
		{"auth", &mailer.BatchError{Stage: mailer.StageAuth, Endpoint: ep, Err: fmt.Errorf("%w: 535", mailer.ErrAuthFailed)}, http.StatusBadRequest},
		{"connect", &mailer.BatchError{Stage: mailer.StageConnect, Endpoint: ep, Err: errors.New("refused")}, http.StatusBadGateway},
		{"starttls", &mailer.BatchError{Stage: mailer.StageStartTLS, Endpoint: ep, Err: mailer.ErrStartTLSRequired}, http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockService{sendErr: tt.err}, nil)
			rr := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/send", strings.NewReader(`{}`)))
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleSendInvalidBody(t *testing.T) {
	s := newTestServer(t, &mockService{}, nil)
	rr := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/send", strings.NewReader(`{not json`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandleSendBodyTooLarge(t *testing.T) {
	svc := &mockService{result: &mailer.Result{}}
	s := newTestServer(t, svc, nil)

	body := `{"subject":"` + strings.Repeat("a", maxSendBody) + `"}`
	rr := do(s, httptest.NewRequest(http.MethodPost, "/api/v1/send", strings.NewReader(body)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
	if svc.lastSend != nil {
		t.Error("oversized request reached the service")
	}
}

func TestHandleHistory(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	svc := &mockService{history: []models.HistoryEntry{
		{ID: "b", Subject: "second", Body: "m", RecipientCount: 3, SentCount: 2, FailedCount: 1, CreatedAt: created},
	}}
	s := newTestServer(t, svc, nil)

	rr := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if svc.lastLim != 50 {
		t.Errorf("default limit = %d, want 50", svc.lastLim)
	}

	var items []HistoryItem
	json.NewDecoder(rr.Body).Decode(&items)
	if len(items) != 1 || items[0].CreatedAt != "2024-05-01T12:30:00Z" || items[0].Sent != 2 {
		t.Errorf("items = %+v", items)
	}

	do(s, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=5", nil))
	if svc.lastLim != 5 {
		t.Errorf("limit = %d, want 5", svc.lastLim)
	}

	rr = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=abc", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandleResolve(t *testing.T) {
	s := newTestServer(t, &mockService{}, nil)

	rr := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/smtp/resolve?email=a@hotmail.com", nil))
	var resp ResolveResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Host != "smtp-mail.outlook.com" || resp.Port != 587 || !resp.Known {
		t.Errorf("resp = %+v", resp)
	}

	rr = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/smtp/resolve", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	s := newTestServer(t, &mockService{}, func(c *config.Config) {
		c.API.KeyHash = string(hash)
	})

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no key", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key", "X-API-Key", "secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/legislators", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			if rr := do(s, req); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	// health stays open
	if rr := do(s, httptest.NewRequest(http.MethodGet, "/health", nil)); rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
}

func TestAPIAllowedIPs(t *testing.T) {
	tests := []struct {
		name   string
		trust  bool
		remote string
		xff    string
		want   int
	}{
		{"allowed network", false, "10.1.2.3:4000", "", http.StatusOK},
		{"outside network", false, "192.0.2.1:4000", "", http.StatusForbidden},
		{"forwarded header ignored", false, "192.0.2.1:4000", "10.1.2.3", http.StatusForbidden},
		{"forwarded header trusted", true, "192.0.2.1:4000", "10.1.2.3", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &mockService{}, func(c *config.Config) {
				c.API.AllowedIPs = []string{"10.0.0.0/8"}
				c.API.TrustProxyHeaders = tt.trust
			})

			req := httptest.NewRequest(http.MethodGet, "/api/v1/legislators", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if rr := do(s, req); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	// health is reachable from anywhere
	s := newTestServer(t, &mockService{}, func(c *config.Config) {
		c.API.AllowedIPs = []string{"10.0.0.0/8"}
	})
	if rr := do(s, httptest.NewRequest(http.MethodGet, "/health", nil)); rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
}
