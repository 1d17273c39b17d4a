package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ubuygold/gopdf/internal/auth"
	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/db"
	"github.com/ubuygold/gopdf/internal/keys"
	"github.com/ubuygold/gopdf/internal/logger"
	"github.com/ubuygold/gopdf/internal/metering"
	"github.com/ubuygold/gopdf/internal/model"
	"github.com/ubuygold/gopdf/internal/quota"
	"github.com/ubuygold/gopdf/internal/render"
	"github.com/ubuygold/gopdf/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRenderer records the HTML it was given and returns a fixed PDF.
type fakeRenderer struct {
	mu    sync.Mutex
	html  []string
	err   error
	delay time.Duration
}

func (f *fakeRenderer) Render(ctx context.Context, html string) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &render.RenderError{Err: ctx.Err(), Timeout: true}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.html = append(f.html, html)
	return []byte("%PDF-1.7 fake"), nil
}

func (f *fakeRenderer) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.html) == 0 {
		return ""
	}
	return f.html[len(f.html)-1]
}

const testMaxBody = 64 << 10

type testServer struct {
	router   *gin.Engine
	keys     *keys.Store
	ledger   *usage.Ledger
	renderer *fakeRenderer
	storage  db.Service
	// templates is the template directory; its parent holds secret.txt.
	templates string
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storage, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	plans := map[string]config.PlanLimits{
		"free":       {MaxRequestsPerPeriod: config.Limit(2)},
		"enterprise": {},
	}
	log := logger.Discard()
	keyStore := keys.NewStore(storage, "salt", plans, log)
	gate, err := auth.NewGate(keyStore, config.AuthConfig{CacheTTL: time.Minute, CacheSize: 100}, log)
	require.NoError(t, err)
	t.Cleanup(gate.Close)

	ledger := usage.NewLedger(storage, log)
	policy := quota.NewPolicy(plans)
	pipeline := metering.NewService(gate, ledger, policy, 200*time.Millisecond, log)

	dir := filepath.Join(t.TempDir(), "templates")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.html"),
		[]byte("<html><head></head><body>Invoice {{ invoice_number }}</body></html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.txt"),
		[]byte("top-secret-value"), 0o644))
	expander, err := render.NewPongoExpander(dir)
	require.NoError(t, err)

	renderer := &fakeRenderer{}
	router := gin.New()
	router.Use(logger.RequestID())
	SetupRoutes(router, NewHandler(pipeline, renderer, expander, ledger, policy, storage, testMaxBody, log), gate)

	return &testServer{router: router, keys: keyStore, ledger: ledger, renderer: renderer, storage: storage, templates: dir}
}

func (s *testServer) createKey(t *testing.T, plan string) (*model.APIKey, string) {
	t.Helper()
	key, raw, err := s.keys.CreateKey(context.Background(), "Acme", plan)
	require.NoError(t, err)
	return key, raw
}

func (s *testServer) postJSON(body string, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(auth.HeaderAPIKey, apiKey)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) send(body io.Reader, contentType, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(auth.HeaderAPIKey, apiKey)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) requests(t *testing.T, key *model.APIKey) int64 {
	t.Helper()
	record, err := s.ledger.Summary(context.Background(), key.ID, "")
	require.NoError(t, err)
	return record.RequestCount
}

func TestHealth(t *testing.T) {
	s := setupServer(t)

	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	require.NoError(t, s.storage.Close())
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGenerate_JSON(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "free")

	rr := s.postJSON(`{"html":"<h1>Hello PDF</h1>","css":"h1 { color: #1d4ed8; }","filename":"hello"}`, raw)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="hello.pdf"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "1", rr.Header().Get(HeaderQuotaRemaining))
	assert.Len(t, rr.Header().Get(logger.HeaderRequestID), 36)
	assert.Equal(t, "%PDF-1.7 fake", rr.Body.String())
	assert.Equal(t, "<html><head><style>h1 { color: #1d4ed8; }</style></head><body><h1>Hello PDF</h1></body></html>", s.renderer.last())
	assert.Equal(t, int64(1), s.requests(t, key))
}

func TestGenerate_Template(t *testing.T) {
	s := setupServer(t)
	_, raw := s.createKey(t, "enterprise")

	rr := s.postJSON(`{"template":"invoice.html","data":{"invoice_number":"INV-100"}}`, raw)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, `attachment; filename="generated.pdf"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "unlimited", rr.Header().Get(HeaderQuotaRemaining))
	assert.Contains(t, s.renderer.last(), "Invoice INV-100")

	// Legacy field name.
	rr = s.postJSON(`{"template_name":"invoice.html","data":{"invoice_number":"INV-200"}}`, raw)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, s.renderer.last(), "Invoice INV-200")

	rr = s.postJSON(`{"template":"missing.html"}`, raw)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "was not found")
}

func TestGenerate_Errors(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "free")

	testCases := []struct {
		name   string
		body   string
		apiKey string
		status int
	}{
		{"missing key", `{"html":"<p>x</p>"}`, "", http.StatusUnauthorized},
		{"unknown key", `{"html":"<p>x</p>"}`, "pdf_nope", http.StatusUnauthorized},
		{"malformed json", `{"html":`, raw, http.StatusBadRequest},
		{"unknown field", `{"html":"<p>x</p>","colour":"red"}`, raw, http.StatusBadRequest},
		{"both sources", `{"html":"<p>x</p>","template":"invoice.html"}`, raw, http.StatusUnprocessableEntity},
		{"no source", `{"css":"p{}"}`, raw, http.StatusUnprocessableEntity},
		{"blank html", `{"html":"   "}`, raw, http.StatusUnprocessableEntity},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := s.postJSON(tc.body, tc.apiKey)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}

	// None of the failures were billed.
	assert.Zero(t, s.requests(t, key))
}

func TestGenerate_QuotaAndRevocation(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "free")

	for _, remaining := range []string{"1", "0"} {
		rr := s.postJSON(`{"html":"<p>x</p>"}`, raw)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, remaining, rr.Header().Get(HeaderQuotaRemaining))
	}

	rr := s.postJSON(`{"html":"<p>x</p>"}`, raw)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "requests", body["reason"])
	assert.Equal(t, float64(2), body["limit"])
	assert.Equal(t, int64(2), s.requests(t, key))

	_, err := s.keys.Revoke(context.Background(), raw)
	require.NoError(t, err)
	rr = s.postJSON(`{"html":"<p>x</p>"}`, raw)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGenerate_RenderFailures(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "enterprise")

	s.renderer.err = &render.RenderError{Err: errors.New("browser crashed")}
	rr := s.postJSON(`{"html":"<p>x</p>"}`, raw)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	s.renderer.err = nil
	s.renderer.delay = time.Second
	rr = s.postJSON(`{"html":"<p>x</p>"}`, raw)
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)

	assert.Zero(t, s.requests(t, key))
}

func multipartBody(t *testing.T, files map[string]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, content := range files {
		part, err := w.CreateFormFile(field, field+".txt")
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestGenerate_Multipart(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "enterprise")

	send := func(files, fields map[string]string) *httptest.ResponseRecorder {
		body, contentType := multipartBody(t, files, fields)
		req := httptest.NewRequest(http.MethodPost, "/generate", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+raw)
		rr := httptest.NewRecorder()
		s.router.ServeHTTP(rr, req)
		return rr
	}

	rr := send(map[string]string{"html_file": "<p>upload</p>", "css_file": "p{}"}, map[string]string{"filename": "report.pdf"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, `attachment; filename="report.pdf"`, rr.Header().Get("Content-Disposition"))
	assert.Contains(t, s.renderer.last(), "<style>p{}</style>")

	rr = send(map[string]string{
		"template_file": "<p>Hello {{ customer_name }}</p>",
		"data_file":     `{"customer_name":"Acme Corp"}`,
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "<p>Hello Acme Corp</p>", s.renderer.last())

	failures := []struct {
		name  string
		files map[string]string
	}{
		{"no source", map[string]string{"css_file": "p{}"}},
		{"both sources", map[string]string{"html_file": "<p>x</p>", "template_file": "<p>y</p>"}},
		{"empty html", map[string]string{"html_file": ""}},
		{"non utf8", map[string]string{"html_file": "\xff\xfe"}},
		{"data not an object", map[string]string{"template_file": "x", "data_file": "[1,2]"}},
		{"data invalid json", map[string]string{"template_file": "x", "data_file": "{nope"}},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			rr := send(tc.files, nil)
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
		})
	}

	assert.Equal(t, int64(2), s.requests(t, key))
}

func TestGenerate_MultipartTextFields(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "enterprise")

	send := func(files, fields map[string]string) *httptest.ResponseRecorder {
		body, contentType := multipartBody(t, files, fields)
		return s.send(body, contentType, raw)
	}

	rr := send(nil, map[string]string{"html": "<p>field</p>", "css": "p{}"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, s.renderer.last(), "<style>p{}</style></head><body><p>field</p>")

	rr = send(nil, map[string]string{"template_name": "invoice.html", "data": `{"invoice_number":"INV-300"}`})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, s.renderer.last(), "Invoice INV-300")

	rr = send(map[string]string{"template_file": "<p>{{ customer_name }}</p>"},
		map[string]string{"data": `{"customer_name":"Acme"}`, "filename": "out"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "<p>Acme</p>", s.renderer.last())
	assert.Equal(t, `attachment; filename="out.pdf"`, rr.Header().Get("Content-Disposition"))

	failures := []struct {
		name   string
		files  map[string]string
		fields map[string]string
	}{
		{"html field and template", nil, map[string]string{"html": "<p>x</p>", "template": "invoice.html"}},
		{"html field and upload", map[string]string{"template_file": "<p>x</p>"}, map[string]string{"html": "<p>y</p>"}},
		{"data field not an object", nil, map[string]string{"template": "invoice.html", "data": `["INV"]`}},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			rr := send(tc.files, tc.fields)
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
		})
	}

	assert.Equal(t, int64(3), s.requests(t, key))
}

func TestGenerate_URLEncoded(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "enterprise")

	send := func(values url.Values) *httptest.ResponseRecorder {
		return s.send(strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", raw)
	}

	rr := send(url.Values{"html": {"<h1>Form</h1>"}, "css": {"h1{}"}, "filename": {"form"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, `attachment; filename="form.pdf"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "<html><head><style>h1{}</style></head><body><h1>Form</h1></body></html>", s.renderer.last())

	rr = send(url.Values{"template": {"invoice.html"}, "data": {`{"invoice_number":"INV-400"}`}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, s.renderer.last(), "Invoice INV-400")

	failures := []struct {
		name   string
		values url.Values
	}{
		{"no source", url.Values{"css": {"p{}"}}},
		{"data not an object", url.Values{"template": {"invoice.html"}, "data": {"[1,2]"}}},
		{"data is a string", url.Values{"template": {"invoice.html"}, "data": {`"INV"`}}},
		{"data invalid json", url.Values{"template": {"invoice.html"}, "data": {"{nope"}}},
		{"missing template", url.Values{"template_name": {"missing.html"}}},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			rr := send(tc.values)
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
		})
	}

	assert.Equal(t, int64(2), s.requests(t, key))
}

func TestGenerate_UploadedTemplateCannotReadFiles(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "enterprise")
	secret := filepath.Join(filepath.Dir(s.templates), "secret.txt")

	sources := []string{
		`{% include "/etc/hostname" %}`,
		fmt.Sprintf(`{%% include %q %%}`, secret),
		`{% include "../secret.txt" %}`,
		`{% extends "../secret.txt" %}`,
		`{% import "../secret.txt" m %}`,
		fmt.Sprintf(`{%% ssi %q %%}`, secret),
	}
	for _, source := range sources {
		t.Run(source, func(t *testing.T) {
			body, contentType := multipartBody(t, map[string]string{"template_file": source}, nil)
			rr := s.send(body, contentType, raw)
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
			assert.NotContains(t, rr.Body.String(), "top-secret-value")
		})
	}

	// A path taken from request data is refused when the template runs.
	body, contentType := multipartBody(t, map[string]string{"template_file": `{% include path %}`},
		map[string]string{"data": fmt.Sprintf(`{"path":%q}`, secret)})
	rr := s.send(body, contentType, raw)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "top-secret-value")

	// Named templates in the directory stay includable.
	body, contentType = multipartBody(t, map[string]string{"template_file": `{% include "invoice.html" %}`},
		map[string]string{"data": `{"invoice_number":"INV-500"}`})
	rr = s.send(body, contentType, raw)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, s.renderer.last(), "Invoice INV-500")

	for _, html := range s.renderer.html {
		assert.NotContains(t, html, "top-secret-value")
	}
	assert.Equal(t, int64(1), s.requests(t, key))
}

func TestGenerate_BodyTooLarge(t *testing.T) {
	s := setupServer(t)
	key, raw := s.createKey(t, "enterprise")
	big := strings.Repeat("x", testMaxBody)

	// Declared length over the limit.
	rr := s.postJSON(fmt.Sprintf(`{"html":"<p>%s</p>"}`, big), raw)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())

	// Unknown length, caught while reading.
	bodies := []struct {
		name        string
		body        string
		contentType string
	}{
		{"json", fmt.Sprintf(`{"html":"<p>%s</p>"}`, big), "application/json"},
		{"urlencoded", url.Values{"html": {big}}.Encode(), "application/x-www-form-urlencoded"},
	}
	for _, tc := range bodies {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(tc.body))
			req.ContentLength = -1
			req.Header.Set("Content-Type", tc.contentType)
			req.Header.Set(auth.HeaderAPIKey, raw)
			rr := httptest.NewRecorder()
			s.router.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
		})
	}

	t.Run("multipart", func(t *testing.T) {
		body, contentType := multipartBody(t, map[string]string{"html_file": big}, nil)
		req := httptest.NewRequest(http.MethodPost, "/generate", body)
		req.ContentLength = -1
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(auth.HeaderAPIKey, raw)
		rr := httptest.NewRecorder()
		s.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	})

	assert.Empty(t, s.renderer.html)
	assert.Zero(t, s.requests(t, key))

	rr = s.postJSON(`{"html":"<p>small</p>"}`, raw)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOwnUsage(t *testing.T) {
	s := setupServer(t)
	_, raw := s.createKey(t, "free")

	rr := s.postJSON(`{"html":"<p>x</p>"}`, raw)
	require.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.Header.Set(auth.HeaderAPIKey, raw)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var summary UsageSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, "free", summary.Plan)
	assert.Equal(t, int64(1), summary.RequestCount)
	assert.Equal(t, int64(len("%PDF-1.7 fake")), summary.ByteCount)
	assert.Equal(t, int64(1), summary.RemainingRequests)
	assert.Equal(t, quota.Unbounded, summary.RemainingBytes)

	req = httptest.NewRequest(http.MethodGet, "/usage?month=2026-13", nil)
	req.Header.Set(auth.HeaderAPIKey, raw)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/usage", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, "generated.pdf", outputFilename(""))
	assert.Equal(t, "generated.pdf", outputFilename("   "))
	assert.Equal(t, "a.pdf", outputFilename("a"))
	assert.Equal(t, "a.pdf", outputFilename("a.pdf"))
	assert.Equal(t, "evil.pdf", outputFilename("ev\"il\r\n"))
	assert.Equal(t, "etcpasswd.pdf", outputFilename("/etc/passwd"))
}
