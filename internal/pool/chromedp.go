package pool

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// ChromeConfig configures the shared headless Chrome allocator.
type ChromeConfig struct {
	ExecPath    string
	NoSandbox   bool
	NavTimeout  time.Duration
	PingTimeout time.Duration
}

// Paper dimensions in inches by page format.
var paperSizes = map[string][2]float64{
	"letter":  {8.5, 11},
	"legal":   {8.5, 14},
	"tabloid": {11, 17},
	"a3":      {11.69, 16.54},
	"a4":      {8.27, 11.69},
	"a5":      {5.83, 8.27},
}

// KnownFormat reports whether the page format has a configured paper size.
func KnownFormat(format string) bool {
	_, ok := paperSizes[format]
	return ok
}

// ChromeAllocator owns one headless Chrome process; each pool session is a
// tab context carved out of it.
type ChromeAllocator struct {
	cfg           ChromeConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

// NewChromeAllocator launches headless Chrome and verifies it responds.
func NewChromeAllocator(cfg ChromeConfig, logger *zap.Logger) (*ChromeAllocator, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromeAllocator{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

// StartSession opens a fresh tab and returns it as a pool session.
func (a *ChromeAllocator) StartSession(ctx context.Context) (render.Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(a.browserCtx)
	warmCtx, cancel := context.WithTimeout(tabCtx, a.cfg.NavTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(warmCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromeSession{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		navTimeout:  a.cfg.NavTimeout,
		pingTimeout: a.cfg.PingTimeout,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (a *ChromeAllocator) Close() error {
	a.browserCancel()
	a.allocCancel()
	return nil
}

type chromeSession struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	navTimeout  time.Duration
	pingTimeout time.Duration
}

// Render loads the HTML into the tab and prints it to PDF.
func (s *chromeSession) Render(ctx context.Context, html string, opts render.Options) (render.RenderResult, error) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, s.navTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var pdf []byte
	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return fmt.Errorf("get frame tree: %w", err)
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := buildPrintParams(opts).Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			pdf = buf
			return nil
		}),
	}
	if err := chromedp.Run(runCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return render.RenderResult{}, fmt.Errorf("render canceled: %w", ctx.Err())
		}
		return render.RenderResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	return render.RenderResult{PDF: pdf, PageCount: CountPages(pdf)}, nil
}

// Ping verifies the tab still evaluates JavaScript.
func (s *chromeSession) Ping(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, s.pingTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var one int
	if err := chromedp.Run(runCtx, chromedp.Evaluate("1", &one)); err != nil {
		return fmt.Errorf("ping tab: %w", err)
	}
	return nil
}

// Close releases the tab.
func (s *chromeSession) Close() error {
	s.tabCancel()
	return nil
}

func buildPrintParams(opts render.Options) *page.PrintToPDFParams {
	size, ok := paperSizes[opts.Format]
	if !ok {
		size = paperSizes["letter"]
	}
	width, height := size[0], size[1]
	if opts.Orientation == render.Landscape {
		width, height = height, width
	}
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}

	params := page.PrintToPDF().
		WithPaperWidth(width).
		WithPaperHeight(height).
		WithMarginTop(opts.Margins.Top).
		WithMarginBottom(opts.Margins.Bottom).
		WithMarginLeft(opts.Margins.Left).
		WithMarginRight(opts.Margins.Right).
		WithScale(scale).
		WithLandscape(opts.Orientation == render.Landscape).
		WithPrintBackground(opts.PrintBackground)

	if opts.HeaderTemplate != "" || opts.FooterTemplate != "" {
		header := opts.HeaderTemplate
		if header == "" {
			header = "<span></span>"
		}
		footer := opts.FooterTemplate
		if footer == "" {
			footer = "<span></span>"
		}
		params = params.
			WithDisplayHeaderFooter(true).
			WithHeaderTemplate(header).
			WithFooterTemplate(footer)
	}
	return params
}

// CountPages counts page objects in the PDF body. Chrome emits
// uncompressed object dictionaries, so "/Type /Page" markers are visible.
func CountPages(pdf []byte) int {
	pages := bytes.Count(pdf, []byte("/Type /Page"))
	trees := bytes.Count(pdf, []byte("/Type /Pages"))
	if n := pages - trees; n > 0 {
		return n
	}
	if len(pdf) > 0 {
		return 1
	}
	return 0
}

// forwardCancel propagates cancellation from the caller context into the
// chromedp run context.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
