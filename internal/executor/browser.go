package executor

import (
	"context"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
)

// BrowserConfig configures the headless Chrome used per job.
type BrowserConfig struct {
	Headless  bool
	UserAgent string
	Width     int
	Height    int
	PortalURL string
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
}

// Flow is the portal script for one job kind. ctx is a chromedp tab context.
type Flow func(ctx context.Context, cfg BrowserConfig, job models.Job) error

// Browser runs each job in a fresh Chrome process so nothing leaks between
// companies, and tears it down when ctx is cancelled.
type Browser struct {
	cfg  BrowserConfig
	flow Flow
	log  *zap.SugaredLogger
}

// NewBrowser builds a browser executor running flow.
func NewBrowser(cfg BrowserConfig, flow Flow, log *zap.SugaredLogger) *Browser {
	if flow == nil {
		flow = PortalLanding
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Browser{cfg: cfg, flow: flow, log: log}
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	if b.cfg.Width > 0 && b.cfg.Height > 0 {
		opts = append(opts, chromedp.WindowSize(b.cfg.Width, b.cfg.Height))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

// Execute starts Chrome, runs the flow and closes the browser.
func (b *Browser) Execute(ctx context.Context, job models.Job) error {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(b.log.Debugf), chromedp.WithErrorf(b.log.Warnf))
	defer cancelTab()

	b.log.Debugw("browser session opened", "job_id", job.ID, "company_id", job.CompanyID, "kind", job.Kind)
	if err := b.flow(tabCtx, b.cfg, job); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Mark(errors.Wrapf(err, "%s for company %d", job.Kind, job.CompanyID), errors.ErrExecutor)
	}
	return nil
}

// PortalLanding opens the portal entry page and waits for it to render. It
// proves the browser and the portal are reachable without scripting any
// page-specific fields.
func PortalLanding(ctx context.Context, cfg BrowserConfig, _ models.Job) error {
	if cfg.PortalURL == "" {
		return errors.New("navegação: portal url not configured")
	}
	return chromedp.Run(ctx,
		chromedp.Navigate(cfg.PortalURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}
