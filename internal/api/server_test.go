package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/wablast/internal/activity"
	"github.com/foxzi/wablast/internal/antiban"
	"github.com/foxzi/wablast/internal/blast"
	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/contacts"
	"github.com/foxzi/wablast/internal/documents"
	"github.com/foxzi/wablast/internal/filematch"
	"github.com/foxzi/wablast/internal/sandbox"
	"github.com/foxzi/wablast/internal/storage"
	"github.com/foxzi/wablast/internal/template"
	"github.com/foxzi/wablast/internal/whatsapp"
)

type testServer struct {
	server   *Server
	contacts *contacts.Store
	docs     *documents.Library
	runner   *blast.Runner
	throttle *antiban.Throttle
	sandbox  *sandbox.Storage
	client   *whatsapp.SandboxClient
}

func setupTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cs, err := contacts.NewStore(db, "62")
	require.NoError(t, err)
	docs, err := documents.New(documents.Options{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	tmpls, err := template.NewStorage(db)
	require.NoError(t, err)
	log, err := activity.New(db, activity.Options{}, logger)
	require.NoError(t, err)
	sb, err := sandbox.NewStorage(db)
	require.NoError(t, err)
	bs, err := blast.NewStorage(db)
	require.NoError(t, err)

	client := whatsapp.NewSandboxClient(whatsapp.SandboxConfig{}, sb, logger)
	throttle := antiban.New(antiban.Config{
		Tier:        antiban.TierBusiness,
		ActiveHours: antiban.ActiveHours{Start: 5, End: 5},
	}, antiban.WithLogger(logger))
	matcher := filematch.New(0)
	engine := template.NewEngine()

	runner := blast.NewRunner(bs, blast.Deps{
		Contacts:  cs,
		Documents: docs,
		Matcher:   matcher,
		Templates: tmpls,
		Engine:    engine,
		Throttle:  throttle,
		Client:    client,
		Activity:  log,
	}, blast.Config{MaxRetries: 1}, logger)
	t.Cleanup(runner.Shutdown)

	cfg := &config.APIConfig{
		ListenAddr:     ":8080",
		APIKey:         apiKey,
		MaxUploadBytes: 10 << 20,
	}

	server := NewServer(Deps{
		Contacts:  cs,
		Documents: docs,
		Matcher:   matcher,
		Templates: tmpls,
		Engine:    engine,
		Runner:    runner,
		Client:    client,
		Throttle:  throttle,
		Activity:  log,
		Sandbox:   sb,
	}, cfg, logger)

	return &testServer{
		server:   server,
		contacts: cs,
		docs:     docs,
		runner:   runner,
		throttle: throttle,
		sandbox:  sb,
		client:   client,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) addContact(t *testing.T, name, phone string) *contacts.Contact {
	t.Helper()
	c := &contacts.Contact{Name: name, Phone: phone}
	require.NoError(t, ts.contacts.Create(context.Background(), c))
	return c
}

func (ts *testServer) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.client.Connect(context.Background()))
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, "secret")

	w := ts.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if resp.WhatsApp.Driver != "sandbox" {
		t.Errorf("WhatsApp.Driver = %q, want sandbox", resp.WhatsApp.Driver)
	}
	if resp.Blasting {
		t.Error("Blasting = true, want false")
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestServer(t, "secret")

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"no key", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", http.StatusUnauthorized},
		{"x-api-key", "X-API-Key", "secret", http.StatusOK},
		{"bearer", "Authorization", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/contacts", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	ts := setupTestServer(t, "")
	cfg := *ts.server.config
	cfg.AllowedIPs = []string{"10.0.0.0/8"}
	srv := NewServer(ts.server.deps, &cfg, ts.server.logger)

	tests := []struct {
		name       string
		remoteAddr string
		wantStatus int
	}{
		{"allowed network", "10.1.2.3:5000", http.StatusOK},
		{"outside network", "192.168.1.6:80", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			req.RemoteAddr = tt.remoteAddr
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				assert.Contains(t, w.Body.String(), "Forbidden")
			}
		})
	}
}

func TestContactEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.do(t, "POST", "/api/contacts", ContactRequest{Name: "Budi", Phone: "0812-3456-7890"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created contacts.Contact
	decode(t, w, &created)
	assert.Equal(t, "6281234567890", created.Phone)
	assert.True(t, created.Selected)

	w = ts.do(t, "POST", "/api/contacts", ContactRequest{Name: "Budi again", Phone: "+62 812 3456 7890"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "POST", "/api/contacts", ContactRequest{Name: "Bad", Phone: "12"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/contacts/1/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var toggled contacts.Contact
	decode(t, w, &toggled)
	assert.False(t, toggled.Selected)

	w = ts.do(t, "GET", "/api/contacts?selected=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list ContactListResponse
	decode(t, w, &list)
	assert.Equal(t, 1, list.Total)

	w = ts.do(t, "GET", "/api/contacts/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, "GET", "/api/contacts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/contacts/groups", GroupRequest{Name: "VIP"})
	require.Equal(t, http.StatusCreated, w.Code)
	var group contacts.Group
	decode(t, w, &group)

	w = ts.do(t, "POST", "/api/contacts/groups", GroupRequest{Name: "vip"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "DELETE", "/api/contacts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var count CountResponse
	decode(t, w, &count)
	assert.Equal(t, 1, count.Count)
}

func TestContactImport(t *testing.T) {
	ts := setupTestServer(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "contacts.csv")
	require.NoError(t, err)
	io.WriteString(fw, "Name,Phone\nBudi,081234567890\nSiti,081298765432\nBad,12\n")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/contacts/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result contacts.ImportResult
	decode(t, w, &result)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Invalid)
}

func TestSendEndpoint(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Phone: "081234567890", Message: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "send before connect")

	w = ts.do(t, "POST", "/api/messages/connect", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Phone: "081234567890", Message: "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res blast.SendResult
	decode(t, w, &res)
	assert.Equal(t, "6281234567890", res.Recipient)
	assert.NotEmpty(t, res.MessageID)

	msgs, err := ts.sandbox.List(context.Background(), sandbox.ListFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)

	w = ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Phone: "081234567890"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "nothing to send")

	w = ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Message: "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing phone")

	w = ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Phone: "081234567890", Message: "hi", Filename: "missing.pdf"})
	assert.Equal(t, http.StatusNotFound, w.Code, "missing attachment")
}

func TestSendEndpointThrottled(t *testing.T) {
	ts := setupTestServer(t, "")
	ts.connect(t)

	w := ts.do(t, "POST", "/api/messages/antiban/pause", PauseRequest{Duration: "10m"})
	require.Equal(t, http.StatusOK, w.Code)
	var stats antiban.Stats
	decode(t, w, &stats)
	assert.True(t, stats.Paused)

	w = ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Phone: "081234567890", Message: "hello"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = ts.do(t, "POST", "/api/messages/antiban/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Phone: "081234567890", Message: "hello"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendMultipart(t *testing.T) {
	ts := setupTestServer(t, "")
	ts.connect(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("phone", "081234567890")
	mw.WriteField("message", "see attached")
	fw, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	io.WriteString(fw, "%PDF-1.4 test")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/messages/send", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msgs, err := ts.sandbox.List(context.Background(), sandbox.ListFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "report.pdf", msgs[0].Filename)
	assert.Equal(t, "application/pdf", msgs[0].MIMEType)
}

func TestAntibanEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.do(t, "GET", "/api/messages/antiban", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp AntibanResponse
	decode(t, w, &resp)
	assert.Equal(t, antiban.TierBusiness, resp.Tier.Name)
	assert.NotEmpty(t, resp.Tiers)

	w = ts.do(t, "PUT", "/api/messages/antiban/tier", TierRequest{Tier: antiban.TierWarming})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, antiban.TierWarming, ts.throttle.Tier().Name)

	w = ts.do(t, "PUT", "/api/messages/antiban/tier", TierRequest{Tier: "unknown"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/messages/antiban/pause", PauseRequest{Duration: "soon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/messages/antiban/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBlastEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.do(t, "GET", "/api/messages/blast", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	c := ts.addContact(t, "Budi", "081234567890")

	w = ts.do(t, "POST", "/api/messages/blast", blast.Request{Message: "Hi {name}"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "blast before connect")

	ts.connect(t)

	w = ts.do(t, "POST", "/api/messages/preview", blast.Request{Message: "Hi {name}"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var preview blast.PreviewResult
	decode(t, w, &preview)
	require.Equal(t, 1, preview.Total)
	assert.Equal(t, "Hi Budi", preview.Items[0].Message)

	w = ts.do(t, "POST", "/api/messages/blast", blast.Request{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty message")

	w = ts.do(t, "POST", "/api/messages/blast", blast.Request{Message: "Hi {name}"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job blast.Job
	decode(t, w, &job)
	assert.Equal(t, 1, job.Total)

	ts.runner.Wait()

	w = ts.do(t, "GET", "/api/messages/blasts/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var done blast.Job
	decode(t, w, &done)
	assert.Equal(t, blast.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Sent)

	w = ts.do(t, "GET", "/api/messages/blasts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), job.ID)

	w = ts.do(t, "GET", "/api/messages/blasts/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, "POST", "/api/messages/blast/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "GET", "/api/logs?status=sent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs LogListResponse
	decode(t, w, &logs)
	require.Equal(t, 1, logs.Total)
	assert.Equal(t, c.Phone, logs.Entries[0].Recipient)
	assert.Equal(t, job.ID, logs.Entries[0].BlastID)
}

func TestTemplateEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.do(t, "POST", "/api/messages/templates", TemplateRequest{Name: "greeting", Body: "Hi {name}, welcome"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tmpl TemplateResponse
	decode(t, w, &tmpl)
	assert.Equal(t, []string{"name"}, tmpl.Placeholders)

	w = ts.do(t, "POST", "/api/messages/templates", TemplateRequest{Name: "Greeting", Body: "Hello"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "POST", "/api/messages/templates", TemplateRequest{Name: "broken", Body: "Hi {name"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/api/messages/templates/greeting/preview", TemplatePreviewRequest{Vars: map[string]string{"name": "Siti"}})
	require.Equal(t, http.StatusOK, w.Code)
	var preview TemplatePreviewResponse
	decode(t, w, &preview)
	assert.Equal(t, "Hi Siti, welcome", preview.Text)

	w = ts.do(t, "PUT", "/api/messages/templates/"+tmpl.ID, TemplateRequest{Body: "Hello {name}"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated TemplateResponse
	decode(t, w, &updated)
	assert.Equal(t, "Hello {name}", updated.Body)
	assert.Greater(t, updated.Version, tmpl.Version)

	w = ts.do(t, "GET", "/api/messages/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list TemplateListResponse
	decode(t, w, &list)
	assert.Equal(t, 1, list.Total)

	w = ts.do(t, "DELETE", "/api/messages/templates/"+tmpl.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, "DELETE", "/api/messages/templates/"+tmpl.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFileMatchingEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")
	ts.addContact(t, "Budi Santoso", "081234567890")
	ts.addContact(t, "Siti Aminah", "081298765432")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range map[string]string{
		"Budi_Santoso.pdf": "%PDF-1.4 budi",
		"payload.exe":      "MZ",
	} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		io.WriteString(fw, content)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/file-matching/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var upload UploadResponse
	decode(t, w, &upload)
	require.Len(t, upload.Uploaded, 1)
	require.Len(t, upload.Errors, 1)
	assert.Equal(t, "payload.exe", upload.Errors[0].Filename)

	w = ts.do(t, "GET", "/api/file-matching/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var docs DocumentListResponse
	decode(t, w, &docs)
	assert.Equal(t, 1, docs.Total)

	w = ts.do(t, "POST", "/api/file-matching/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var preview MatchPreviewResponse
	decode(t, w, &preview)
	assert.Equal(t, 2, preview.Total)
	assert.Equal(t, 1, preview.Matched)
	assert.Equal(t, 1, preview.Unmatched)

	w = ts.do(t, "PUT", "/api/file-matching/assignments", AssignmentRequest{ContactName: "Siti Aminah", Filename: "Budi_Santoso.pdf"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/file-matching/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &preview)
	assert.Equal(t, 2, preview.Matched)

	w = ts.do(t, "GET", "/api/file-matching/documents/Budi_Santoso.pdf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "%PDF"))

	w = ts.do(t, "DELETE", "/api/file-matching/assignments/siti%20aminah", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, "DELETE", "/api/file-matching/documents/Budi_Santoso.pdf", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err := os.Stat(filepath.Join(ts.docs.Dir(), "Budi_Santoso.pdf"))
	assert.True(t, os.IsNotExist(err))

	w = ts.do(t, "DELETE", "/api/file-matching/documents/Budi_Santoso.pdf", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogAndSandboxEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")
	ts.connect(t)

	for i := 0; i < 2; i++ {
		w := ts.do(t, "POST", "/api/messages/send", SendMessageRequest{Phone: "081234567890", Message: "hello"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := ts.do(t, "GET", "/api/logs/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats activity.Stats
	decode(t, w, &stats)
	assert.Equal(t, 2, stats.Sent)

	w = ts.do(t, "GET", "/api/logs/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	var exported []*activity.Entry
	decode(t, w, &exported)
	assert.Len(t, exported, 2)

	w = ts.do(t, "DELETE", "/api/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "GET", "/api/sandbox/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list SandboxListResponse
	decode(t, w, &list)
	assert.Equal(t, 2, list.Total)

	w = ts.do(t, "DELETE", "/api/sandbox/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var count CountResponse
	decode(t, w, &count)
	assert.Equal(t, 2, count.Count)
}
