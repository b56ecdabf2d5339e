package skills

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const maxPageText = 64 << 10 // truncate extracted page text past 64KiB

// BrowserSkill automates a headless browser. Like the shell skill it is
// disabled by default; the browser process is launched lazily on first
// use and reused afterwards. Screenshots are written under the
// workspace root with the same path confinement as the file skill.
type BrowserSkill struct {
	enabled bool
	workdir string
	timeout time.Duration

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserSkill creates a browser skill. Screenshots land in workdir;
// a zero timeout falls back to 30 seconds per page operation.
func NewBrowserSkill(enabled bool, workdir string, timeout time.Duration) (*BrowserSkill, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve browser workdir: %w", err)
	}
	return &BrowserSkill{enabled: enabled, workdir: abs, timeout: timeout}, nil
}

func (b *BrowserSkill) Name() string        { return "browser" }
func (b *BrowserSkill) Description() string { return "Navigate web pages in a headless browser" }

func (b *BrowserSkill) Actions() []ActionSpec {
	return []ActionSpec{
		{
			Name:        "open_page",
			Description: "Load a page and return its title and visible text",
			Params: []ParamSpec{
				{Name: "url", Type: ParamString, Required: true, Description: "Page URL"},
			},
		},
		{
			Name:        "element_text",
			Description: "Load a page and return the text of one element",
			Params: []ParamSpec{
				{Name: "url", Type: ParamString, Required: true, Description: "Page URL"},
				{Name: "selector", Type: ParamString, Required: true, Description: "CSS selector"},
			},
		},
		{
			Name:        "screenshot",
			Description: "Load a page and save a PNG screenshot into the workspace",
			SideEffect:  true,
			Params: []ParamSpec{
				{Name: "url", Type: ParamString, Required: true, Description: "Page URL"},
				{Name: "filename", Type: ParamString, Required: true, Description: "Output path relative to the workspace root"},
				{Name: "full_page", Type: ParamBool, Required: false, Description: "Capture the full scroll height"},
			},
		},
	}
}

func (b *BrowserSkill) Invoke(ctx context.Context, action string, params Params) (*ActionResult, error) {
	switch action {
	case "open_page", "element_text", "screenshot":
	default:
		return nil, fmt.Errorf("%w: browser.%s", ErrUnknownAction, action)
	}
	if !b.enabled {
		return nil, errors.New("browser skill is disabled")
	}

	url := params.String("url")
	if url == "" {
		return nil, fmt.Errorf("%w: url must not be empty", ErrInvalidParams)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	page, err := b.openPage(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close() }()

	switch action {
	case "open_page":
		return b.pageText(page)
	case "element_text":
		return b.elementText(page, params.String("selector"))
	default:
		return b.screenshot(page, params.String("filename"), params.Bool("full_page"))
	}
}

// connect launches the headless browser on first use.
func (b *BrowserSkill) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	b.browser = browser
	return browser, nil
}

func (b *BrowserSkill) openPage(ctx context.Context, url string) (*rod.Page, error) {
	browser, err := b.connect()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	page = page.Context(ctx)

	if err := page.Navigate(url); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	return page, nil
}

func (b *BrowserSkill) pageText(page *rod.Page) (*ActionResult, error) {
	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("page info: %w", err)
	}

	body, err := page.Element("body")
	if err != nil {
		return nil, fmt.Errorf("page body: %w", err)
	}
	text, err := body.Text()
	if err != nil {
		return nil, fmt.Errorf("page text: %w", err)
	}

	return &ActionResult{Output: map[string]any{
		"title": info.Title,
		"url":   info.URL,
		"text":  truncate(strings.TrimSpace(text), maxPageText),
	}}, nil
}

func (b *BrowserSkill) elementText(page *rod.Page, selector string) (*ActionResult, error) {
	if selector == "" {
		return nil, fmt.Errorf("%w: selector must not be empty", ErrInvalidParams)
	}

	el, err := page.Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %q: %w", selector, err)
	}
	text, err := el.Text()
	if err != nil {
		return nil, fmt.Errorf("element text: %w", err)
	}

	return &ActionResult{Output: map[string]any{
		"selector": selector,
		"text":     truncate(strings.TrimSpace(text), maxPageText),
	}}, nil
}

func (b *BrowserSkill) screenshot(page *rod.Page, filename string, fullPage bool) (*ActionResult, error) {
	path, err := b.resolve(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	data, err := page.Screenshot(fullPage, nil)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write screenshot: %w", err)
	}

	return &ActionResult{Output: map[string]any{
		"path":  path,
		"bytes": len(data),
	}}, nil
}

// resolve confines a screenshot path to the workspace root.
func (b *BrowserSkill) resolve(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("filename must not be empty")
	}
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.workdir, p)
	}
	p = filepath.Clean(p)
	if p != b.workdir && !strings.HasPrefix(p, b.workdir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", raw)
	}
	return p, nil
}

// Close shuts the browser process down.
func (b *BrowserSkill) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}
