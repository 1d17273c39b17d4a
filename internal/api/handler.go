// Package api serves the public endpoints: health, PDF generation and a key's
// own usage.
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
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ubuygold/gopdf/internal/auth"
	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/metering"
	"github.com/ubuygold/gopdf/internal/model"
	"github.com/ubuygold/gopdf/internal/quota"
	"github.com/ubuygold/gopdf/internal/render"

	"github.com/gin-gonic/gin"
)

const (
	defaultFilename = "generated.pdf"
	// HeaderQuotaRemaining reports the requests left in the period.
	HeaderQuotaRemaining = "X-Quota-Remaining"
)

// Pipeline runs a metered generation.
type Pipeline interface {
	Run(ctx context.Context, credential string, renderPDF metering.RenderFunc) (*metering.Outcome, error)
}

// UsageReader returns a key's usage for a period.
type UsageReader interface {
	Summary(ctx context.Context, apiKeyID uint, period string) (*model.UsageRecord, error)
}

// PlanLimits resolves a plan to its limits.
type PlanLimits interface {
	Limits(plan string) (config.PlanLimits, bool)
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies of the public endpoints.
type Handler struct {
	pipeline Pipeline
	renderer render.Renderer
	expander render.TemplateExpander
	usage    UsageReader
	plans    PlanLimits
	storage  Pinger
	maxBody  int64
	logger   *slog.Logger
}

// NewHandler creates a Handler. Request bodies larger than maxBody bytes are
// rejected; zero disables the limit.
func NewHandler(pipeline Pipeline, renderer render.Renderer, expander render.TemplateExpander,
	usage UsageReader, plans PlanLimits, storage Pinger, maxBody int64, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		renderer: renderer,
		expander: expander,
		usage:    usage,
		plans:    plans,
		storage:  storage,
		maxBody:  maxBody,
		logger:   logger.With("component", "api"),
	}
}

// SetupRoutes registers the public endpoints.
func SetupRoutes(router *gin.Engine, h *Handler, gate *auth.Gate) {
	router.GET("/health", h.Health)
	router.POST("/generate", h.Generate)
	router.GET("/usage", auth.AuthMiddleware(gate), h.OwnUsage)
}

// Health reports the service and storage status.
func (h *Handler) Health(c *gin.Context) {
	if err := h.storage.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// generateRequest is the JSON body of POST /generate.
type generateRequest struct {
	HTML         string                 `json:"html"`
	CSS          string                 `json:"css"`
	Template     string                 `json:"template"`
	TemplateName string                 `json:"template_name"`
	Data         map[string]interface{} `json:"data"`
	Filename     string                 `json:"filename"`
}

// Generate renders a PDF from JSON, urlencoded or multipart input. The request is
// authenticated and quota-checked before anything is rendered.
func (h *Handler) Generate(c *gin.Context) {
	src, filename, parseErr := h.parseGenerate(c)

	out, err := h.pipeline.Run(c.Request.Context(), auth.Credential(c.Request), func(ctx context.Context) ([]byte, error) {
		if parseErr != nil {
			return nil, parseErr
		}
		html, err := render.BuildHTML(h.expander, src)
		if err != nil {
			return nil, err
		}
		return h.renderer.Render(ctx, html)
	})
	if out != nil && out.Principal != nil {
		c.Header(HeaderQuotaRemaining, formatRemaining(out.Remaining))
	}
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "application/pdf", out.PDF)
}

func (h *Handler) parseGenerate(c *gin.Context) (render.Source, string, error) {
	if h.maxBody > 0 {
		if c.Request.ContentLength > h.maxBody {
			return render.Source{}, "", errBodyTooLarge
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	}

	var (
		src      render.Source
		filename string
		err      error
	)
	switch c.ContentType() {
	case "multipart/form-data":
		src, filename, err = parseMultipart(c)
	case "application/x-www-form-urlencoded":
		src, filename, err = parseURLEncoded(c)
	default:
		src, filename, err = parseJSON(c.Request.Body)
	}
	if err != nil && bodyTooLarge(err) {
		return render.Source{}, "", errBodyTooLarge
	}
	return src, filename, err
}

var errBodyTooLarge = &RequestError{Status: http.StatusRequestEntityTooLarge, Message: "Request body too large."}

func bodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	// Form parsers do not always wrap the reader error.
	return strings.Contains(err.Error(), "http: request body too large")
}

func parseJSON(body io.Reader) (render.Source, string, error) {
	var req generateRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if bodyTooLarge(err) {
			return render.Source{}, "", err
		}
		return render.Source{}, "", &RequestError{Status: http.StatusBadRequest, Message: "Malformed JSON body: " + err.Error()}
	}

	if strings.TrimSpace(req.Template) == "" && strings.TrimSpace(req.TemplateName) != "" {
		req.Template = req.TemplateName
	}
	hasHTML := strings.TrimSpace(req.HTML) != ""
	hasTemplate := strings.TrimSpace(req.Template) != ""
	if hasHTML == hasTemplate {
		return render.Source{}, "", invalid("Provide exactly one of 'html' or 'template'.")
	}

	return render.Source{
		HTML:     req.HTML,
		Template: req.Template,
		CSS:      req.CSS,
		Data:     req.Data,
	}, outputFilename(req.Filename), nil
}

func parseURLEncoded(c *gin.Context) (render.Source, string, error) {
	if err := c.Request.ParseForm(); err != nil {
		if bodyTooLarge(err) {
			return render.Source{}, "", err
		}
		return render.Source{}, "", &RequestError{Status: http.StatusBadRequest, Message: "Malformed form body: " + err.Error()}
	}
	return parseForm(c.Request.PostForm, nil)
}

func parseMultipart(c *gin.Context) (render.Source, string, error) {
	form, err := c.MultipartForm()
	if err != nil {
		if bodyTooLarge(err) {
			return render.Source{}, "", err
		}
		return render.Source{}, "", &RequestError{Status: http.StatusBadRequest, Message: "Malformed multipart body: " + err.Error()}
	}
	return parseForm(form.Value, form.File)
}

// parseForm reads a form body. Each of html, css and data may be sent as a
// text field or as an uploaded <name>_file; the upload wins when both are
// present. Uploaded templates come as template_file, named ones as template
// or template_name.
func parseForm(values url.Values, files map[string][]*multipart.FileHeader) (render.Source, string, error) {
	var (
		src render.Source
		err error
	)
	if src.HTML, err = formText(values, files, "html"); err != nil {
		return render.Source{}, "", err
	}
	if src.CSS, err = formText(values, files, "css"); err != nil {
		return render.Source{}, "", err
	}
	if fh := firstFile(files, "template_file"); fh != nil {
		if src.TemplateSource, err = readText(fh, "template_file"); err != nil {
			return render.Source{}, "", err
		}
	}
	src.Template = strings.TrimSpace(values.Get("template"))
	if src.Template == "" {
		src.Template = strings.TrimSpace(values.Get("template_name"))
	}

	sources := 0
	for _, s := range []string{src.HTML, src.TemplateSource, src.Template} {
		if strings.TrimSpace(s) != "" {
			sources++
		}
	}
	if sources != 1 {
		return render.Source{}, "", invalid("Provide exactly one of 'html', 'html_file', 'template' or 'template_file'.")
	}

	dataField := "data"
	if firstFile(files, "data_file") != nil {
		dataField = "data_file"
	}
	data, err := formText(values, files, "data")
	if err != nil {
		return render.Source{}, "", err
	}
	if strings.TrimSpace(data) != "" {
		if src.Data, err = jsonObject(data, dataField); err != nil {
			return render.Source{}, "", err
		}
	}

	return src, outputFilename(values.Get("filename")), nil
}

// formText returns the upload <name>_file if present, else the field name.
func formText(values url.Values, files map[string][]*multipart.FileHeader, name string) (string, error) {
	if fh := firstFile(files, name+"_file"); fh != nil {
		return readText(fh, name+"_file")
	}
	return values.Get(name), nil
}

func firstFile(files map[string][]*multipart.FileHeader, field string) *multipart.FileHeader {
	if list := files[field]; len(list) > 0 {
		return list[0]
	}
	return nil
}

func readText(fh *multipart.FileHeader, field string) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("Could not read '%s'.", field)}
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return "", &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("Could not read '%s'.", field)}
	}
	if len(raw) == 0 {
		return "", invalid(fmt.Sprintf("'%s' must not be empty.", field))
	}
	if !utf8.Valid(raw) {
		return "", invalid(fmt.Sprintf("'%s' must be UTF-8 text.", field))
	}
	return string(raw), nil
}

func jsonObject(text, field string) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, invalid(fmt.Sprintf("'%s' must contain a JSON object.", field))
	}
	var data map[string]interface{}
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, invalid(fmt.Sprintf("'%s' must contain valid JSON.", field))
	}
	return data, nil
}

// outputFilename defaults the name and makes sure it ends in ".pdf".
// Characters that would break the Content-Disposition header are dropped.
func outputFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '/', '\r', '\n':
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		return defaultFilename
	}
	if !strings.HasSuffix(name, ".pdf") {
		name += ".pdf"
	}
	return name
}

func formatRemaining(n int64) string {
	if n == quota.Unbounded {
		return "unlimited"
	}
	return strconv.FormatInt(n, 10)
}

// OwnUsage returns the calling key's usage, for the current month or ?month=YYYY-MM.
func (h *Handler) OwnUsage(c *gin.Context) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		WriteError(c, h.logger, errors.New("principal missing from context"))
		return
	}

	record, err := h.usage.Summary(c.Request.Context(), principal.KeyID, c.Query("month"))
	if err != nil {
		WriteError(c, h.logger, err)
		return
	}
	limits, _ := h.plans.Limits(principal.Plan)

	key := &model.APIKey{
		KeyPrefix:   principal.KeyPrefix,
		AccountName: principal.AccountName,
		Plan:        principal.Plan,
		Status:      model.KeyStatusActive,
	}
	key.ID = principal.KeyID
	c.JSON(http.StatusOK, NewUsageSummary(key, record, limits))
}
