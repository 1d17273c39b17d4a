package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// A4 in inches.
const (
	a4Width  = 8.27
	a4Height = 11.69
)

// BrowserRenderer prints HTML to PDF with headless Chrome. The browser is
// started on first use and shared by all renders; each render gets its own page.
type BrowserRenderer struct {
	bin    string
	logger *slog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewBrowserRenderer creates a renderer. An empty chromePath lets rod find or
// download a browser.
func NewBrowserRenderer(chromePath string, logger *slog.Logger) *BrowserRenderer {
	return &BrowserRenderer{
		bin:    chromePath,
		logger: logger.With("component", "render"),
	}
}

func (r *BrowserRenderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		Set("disable-dev-shm-usage")
	if r.bin != "" {
		l = l.Bin(r.bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	r.launcher = l
	r.browser = browser
	r.logger.Info("Headless browser started")
	return browser, nil
}

// Render prints html as an A4 PDF with backgrounds.
func (r *BrowserRenderer) Render(ctx context.Context, html string) ([]byte, error) {
	browser, err := r.connect()
	if err != nil {
		return nil, &RenderError{Err: err}
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	defer func() {
		if err := page.Context(context.Background()).Close(); err != nil {
			r.logger.Warn("Failed to close page", "error", err)
		}
	}()

	if err := page.SetDocumentContent(html); err != nil {
		return nil, r.fail(ctx, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, r.fail(ctx, err)
	}

	width, height := a4Width, a4Height
	stream, err := page.PDF(&proto.PagePrintToPDF{
		PrintBackground: true,
		PaperWidth:      &width,
		PaperHeight:     &height,
	})
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	pdf, err := io.ReadAll(stream)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	if len(pdf) == 0 {
		return nil, &RenderError{Err: errors.New("browser returned an empty document")}
	}
	return pdf, nil
}

func (r *BrowserRenderer) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &RenderError{Err: err, Timeout: errors.Is(ctxErr, context.DeadlineExceeded)}
	}
	return renderError(err)
}

// Close shuts the browser down.
func (r *BrowserRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.launcher.Kill()
	r.browser, r.launcher = nil, nil
	return err
}
