package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"operator-broker/internal/action"
	"operator-broker/internal/config"
)

type pwSession struct {
	context playwright.BrowserContext
	page    playwright.Page
}

// Playwright drives Chromium through the Playwright remote protocol.
// One browser context and page per handle.
type Playwright struct {
	cfg config.RemoteConfig

	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	sessions map[string]*pwSession
}

// NewPlaywright builds the remote-protocol backend. The driver is not
// started until the first session.
func NewPlaywright(cfg config.RemoteConfig) *Playwright {
	return &Playwright{
		cfg:      cfg,
		sessions: make(map[string]*pwSession),
	}
}

func (p *Playwright) Name() string { return config.BackendRemote }
func (p *Playwright) Kind() Kind   { return KindDelegated }

// ensureStarted runs the Playwright driver and launches Chromium.
// Output is discarded so the driver install cannot pollute stdio
// transports.
func (p *Playwright) ensureStarted() error {
	if p.browser != nil {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if p.cfg.Install {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("%w: install playwright: %v", ErrUnavailable, err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("%w: start playwright: %v", ErrUnavailable, err)
	}

	headless := p.cfg.IsHeadless()
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
	})
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("%w: launch chromium: %v", ErrUnavailable, err)
	}

	p.pw = pw
	p.browser = browser
	return nil
}

// CreateSession opens a fresh browser context and page.
func (p *Playwright) CreateSession(ctx context.Context, opts CreateOptions) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureStarted(); err != nil {
		return Handle{}, err
	}

	contextOpts := playwright.BrowserNewContextOptions{}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		contextOpts.Viewport = &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		}
	}
	browserCtx, err := p.browser.NewContext(contextOpts)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: new context: %v", ErrUnavailable, err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		_ = browserCtx.Close()
		return Handle{}, fmt.Errorf("%w: new page: %v", ErrUnavailable, err)
	}

	if p.cfg.ActionTimeoutMs > 0 {
		page.SetDefaultTimeout(p.cfg.ActionTimeoutMs)
	}

	if opts.StartURL != "" {
		if _, err := page.Goto(opts.StartURL); err != nil {
			_ = browserCtx.Close()
			return Handle{}, fmt.Errorf("open start url: %w", err)
		}
	}

	h := Handle{ID: uuid.NewString(), URL: page.URL()}
	p.sessions[h.ID] = &pwSession{context: browserCtx, page: page}
	return h, nil
}

func (p *Playwright) session(id string) (*pwSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Execute runs one action against the handle's page.
func (p *Playwright) Execute(ctx context.Context, h Handle, a action.Action) (Result, error) {
	sess, ok := p.session(h.ID)
	if !ok {
		return Result{}, errors.New("unknown browser handle")
	}
	page := sess.page

	var res Result
	var err error

	switch a.Tool {
	case action.Navigate:
		url := a.Arg("url")
		if url == "" {
			return Result{}, errors.New("navigate requires a url argument")
		}
		_, err = page.Goto(url)
		res.Text = fmt.Sprintf("navigated to %s", url)

	case action.Click:
		sel := a.Arg("selector")
		if sel == "" {
			return Result{}, errors.New("click requires a selector argument")
		}
		err = page.Click(sel)
		res.Text = fmt.Sprintf("clicked %s", sel)

	case action.Type:
		sel := a.Arg("selector")
		if sel == "" {
			return Result{}, errors.New("type requires a selector argument")
		}
		err = page.Fill(sel, a.Text)
		res.Text = fmt.Sprintf("typed into %s", sel)

	case action.Select:
		sel := a.Arg("selector")
		value := a.Arg("value")
		if sel == "" || value == "" {
			return Result{}, errors.New("select requires selector and value arguments")
		}
		_, err = page.SelectOption(sel, playwright.SelectOptionValues{
			Labels: &[]string{value},
		})
		res.Text = fmt.Sprintf("selected %q in %s", value, sel)

	case action.Scroll:
		amount := 600.0
		if raw := a.Arg("amount"); raw != "" {
			if parsed, perr := strconv.ParseFloat(raw, 64); perr == nil {
				amount = parsed
			}
		}
		if a.Arg("direction") == "up" {
			amount = -amount
		}
		err = page.Mouse().Wheel(0, amount)
		res.Text = fmt.Sprintf("scrolled %.0f pixels", amount)

	case action.Wait:
		if sel := a.Arg("selector"); sel != "" {
			_, err = page.WaitForSelector(sel)
			res.Text = fmt.Sprintf("waited for %s", sel)
		} else {
			d := time.Second
			if raw := a.Arg("duration"); raw != "" {
				if parsed, perr := time.ParseDuration(raw); perr == nil {
					d = parsed
				}
			}
			err = sleepWithContext(ctx, d)
			res.Text = fmt.Sprintf("waited %s", d)
		}

	case action.Extract:
		sel := a.Arg("selector")
		if sel == "" {
			sel = "body"
		}
		res.Extraction, err = page.TextContent(sel)
		res.Text = fmt.Sprintf("extracted text from %s", sel)

	case action.Close:
		res.Text = "session closed"
		res.Done = true

	default:
		return Result{}, fmt.Errorf("unsupported action %q", a.Tool)
	}

	if err != nil {
		return Result{}, err
	}

	res.URL = page.URL()
	return res, nil
}

// Screenshot captures the handle's page as PNG bytes.
func (p *Playwright) Screenshot(ctx context.Context, h Handle) ([]byte, error) {
	sess, ok := p.session(h.ID)
	if !ok {
		return nil, errors.New("unknown browser handle")
	}
	return sess.page.Screenshot()
}

// Close releases the handle's context. Unknown handles are a no-op.
func (p *Playwright) Close(ctx context.Context, h Handle) error {
	p.mu.Lock()
	sess, ok := p.sessions[h.ID]
	delete(p.sessions, h.ID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return sess.context.Close()
}

// Shutdown closes all contexts, the browser, and the driver.
func (p *Playwright) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, sess := range p.sessions {
		_ = sess.context.Close()
		delete(p.sessions, id)
	}

	var errs []error
	if p.browser != nil {
		errs = append(errs, p.browser.Close())
		p.browser = nil
	}
	if p.pw != nil {
		errs = append(errs, p.pw.Stop())
		p.pw = nil
	}
	return errors.Join(errs...)
}
