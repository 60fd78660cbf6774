package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"operator-broker/internal/action"
	"operator-broker/internal/config"
)

// Rod drives a local Chrome over CDP. It connects to an existing
// debugger endpoint when one is configured, otherwise launches Chrome
// itself. One incognito page per handle.
type Rod struct {
	cfg config.EmbeddedConfig

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
	pages      map[string]*rod.Page
}

// NewRod builds the embedded CDP backend. No browser is launched until
// the first session.
func NewRod(cfg config.EmbeddedConfig) *Rod {
	return &Rod{
		cfg:   cfg,
		pages: make(map[string]*rod.Page),
	}
}

func (r *Rod) Name() string { return config.BackendEmbedded }
func (r *Rod) Kind() Kind   { return KindDelegated }

// ensureStarted connects to Chrome, reusing a live connection and
// reconnecting over a stale one.
func (r *Rod) ensureStarted(ctx context.Context) error {
	if r.browser != nil {
		if _, err := r.browser.Version(); err == nil {
			return nil
		}
		log.Printf("embedded backend: stale browser connection, reconnecting")
		_ = r.browser.Close()
		r.browser = nil
		r.controlURL = ""
		r.pages = make(map[string]*rod.Page)
	}

	controlURL := r.cfg.DebuggerURL
	if controlURL == "" && len(r.cfg.Launch) > 0 {
		bin := r.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(r.cfg.IsHeadless())
		for _, rawFlag := range r.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Retry with Rod's own defaults before giving up.
			fallback := launcher.New().Bin(bin).Headless(r.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("%w: launch chrome: %v (fallback: %v)", ErrUnavailable, err, altErr)
			}
			url = alt
		}
		controlURL = url
	}

	if controlURL == "" {
		return fmt.Errorf("%w: no debugger_url or launch command configured", ErrUnavailable)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("%w: connect to chrome: %v", ErrUnavailable, err)
	}

	r.browser = browser
	r.controlURL = controlURL
	log.Printf("embedded backend: browser connected at %s", controlURL)
	return nil
}

// CreateSession opens a new incognito page and applies the viewport.
func (r *Rod) CreateSession(ctx context.Context, opts CreateOptions) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureStarted(ctx); err != nil {
		return Handle{}, err
	}

	incognito, err := r.browser.Incognito()
	if err != nil {
		return Handle{}, fmt.Errorf("%w: incognito context: %v", ErrUnavailable, err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: opts.StartURL})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: create page: %v", ErrUnavailable, err)
	}

	width, height := opts.ViewportWidth, opts.ViewportHeight
	if width <= 0 {
		width = r.cfg.GetViewportWidth()
	}
	if height <= 0 {
		height = r.cfg.GetViewportHeight()
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("embedded backend: set viewport: %v", err)
	}

	h := Handle{ID: uuid.NewString(), URL: r.controlURL}
	r.pages[h.ID] = page
	return h, nil
}

func (r *Rod) page(id string) (*rod.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[id]
	return p, ok
}

// Execute runs one action against the handle's page.
func (r *Rod) Execute(ctx context.Context, h Handle, a action.Action) (Result, error) {
	page, ok := r.page(h.ID)
	if !ok {
		return Result{}, errors.New("unknown browser handle")
	}
	page = page.Context(ctx)

	var res Result
	var err error

	switch a.Tool {
	case action.Navigate:
		url := a.Arg("url")
		if url == "" {
			return Result{}, errors.New("navigate requires a url argument")
		}
		err = page.Timeout(r.cfg.NavigationTimeoutDuration()).Navigate(url)
		if err == nil {
			err = page.WaitLoad()
		}
		res.Text = fmt.Sprintf("navigated to %s", url)

	case action.Click:
		sel := a.Arg("selector")
		if sel == "" {
			return Result{}, errors.New("click requires a selector argument")
		}
		var el *rod.Element
		el, err = page.Element(sel)
		if err == nil {
			err = el.Click("left", 1)
		}
		res.Text = fmt.Sprintf("clicked %s", sel)

	case action.Type:
		sel := a.Arg("selector")
		if sel == "" {
			return Result{}, errors.New("type requires a selector argument")
		}
		var el *rod.Element
		el, err = page.Element(sel)
		if err == nil {
			if selErr := el.SelectAllText(); selErr == nil {
				_ = el.Input("")
			}
			err = el.Input(a.Text)
		}
		res.Text = fmt.Sprintf("typed into %s", sel)

	case action.Select:
		sel := a.Arg("selector")
		value := a.Arg("value")
		if sel == "" || value == "" {
			return Result{}, errors.New("select requires selector and value arguments")
		}
		var el *rod.Element
		el, err = page.Element(sel)
		if err == nil {
			err = el.Select([]string{value}, true, rod.SelectorTypeText)
		}
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
		err = page.Mouse.Scroll(0, amount, 1)
		res.Text = fmt.Sprintf("scrolled %.0f pixels", amount)

	case action.Wait:
		if sel := a.Arg("selector"); sel != "" {
			_, err = page.Timeout(r.cfg.NavigationTimeoutDuration()).Element(sel)
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
		var el *rod.Element
		el, err = page.Element(sel)
		if err == nil {
			res.Extraction, err = el.Text()
		}
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

	if info, infoErr := page.Info(); infoErr == nil {
		res.URL = info.URL
	}
	return res, nil
}

// Screenshot captures the handle's page as PNG bytes.
func (r *Rod) Screenshot(ctx context.Context, h Handle) ([]byte, error) {
	page, ok := r.page(h.ID)
	if !ok {
		return nil, errors.New("unknown browser handle")
	}
	return page.Context(ctx).Screenshot(false, nil)
}

// Close releases the handle's page. Unknown handles are a no-op.
func (r *Rod) Close(ctx context.Context, h Handle) error {
	r.mu.Lock()
	page, ok := r.pages[h.ID]
	delete(r.pages, h.ID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return page.Close()
}

// Shutdown closes every tracked page and the browser connection.
func (r *Rod) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, page := range r.pages {
		_ = page.Close()
		delete(r.pages, id)
	}
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	r.controlURL = ""
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
