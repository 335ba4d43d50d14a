// Package browser implements session.Driver on top of a local Chrome via chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/session"
)

// actionTimeout bounds a single click or keystroke sequence on an element
// that Find already reported present.
const actionTimeout = 10 * time.Second

// Options configures a Chrome instance.
type Options struct {
	DownloadDir string
	Headless    bool
	UserAgent   string
}

// Chrome is one browser process with one tab. It is not safe for concurrent
// navigation; the session serializes calls.
type Chrome struct {
	downloadDir string

	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	closeOnce sync.Once
}

// New launches Chrome and routes downloads into opts.DownloadDir.
func New(ctx context.Context, opts Options) (*Chrome, error) {
	if opts.DownloadDir == "" {
		return nil, fmt.Errorf("browser: download dir is required")
	}
	dir, err := filepath.Abs(opts.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("browser: resolving download dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("browser: creating download dir: %w", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(1366, 900),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	// The browser outlives individual calls, so it hangs off a background
	// context; ctx only bounds the startup.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	c := &Chrome{
		downloadDir: dir,
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}

	err = c.run(ctx, browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(dir).
		WithEventsEnabled(true))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("browser: starting chrome: %w", err)
	}
	return c, nil
}

// DownloadDir is the absolute directory exports land in.
func (c *Chrome) DownloadDir() string { return c.downloadDir }

// run executes actions on the tab, aborting when either the caller's ctx
// or the browser is done.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, chromedp.Navigate(url))
}

// Find reports the first node matching locator without waiting for it.
func (c *Chrome) Find(ctx context.Context, locator string) (session.Element, error) {
	var nodes []*cdp.Node
	if err := c.run(ctx, chromedp.Nodes(locator, &nodes, queryBy(locator), chromedp.AtLeast(0))); err != nil {
		return session.Element{}, err
	}
	if len(nodes) == 0 {
		return session.Element{}, fmt.Errorf("%w: %s", session.ErrElementNotFound, locator)
	}
	return session.Element{Locator: locator, Text: strings.TrimSpace(nodes[0].NodeValue)}, nil
}

func (c *Chrome) Click(ctx context.Context, locator string) error {
	if _, err := c.Find(ctx, locator); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	return mapTimeout(c.run(ctx, chromedp.Click(locator, queryBy(locator), chromedp.NodeVisible)), locator)
}

// Type replaces the field's content with text.
func (c *Chrome) Type(ctx context.Context, locator, text string) error {
	if _, err := c.Find(ctx, locator); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	by := queryBy(locator)
	return mapTimeout(c.run(ctx,
		chromedp.Clear(locator, by),
		chromedp.SendKeys(locator, text, by),
	), locator)
}

func (c *Chrome) WaitFor(ctx context.Context, locator string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return mapTimeout(c.run(ctx, chromedp.WaitVisible(locator, queryBy(locator))), locator)
}

// CurrentArtifacts lists regular files in the download directory, partial
// downloads included.
func (c *Chrome) CurrentArtifacts(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.downloadDir)
	if err != nil {
		return nil, fmt.Errorf("listing downloads: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(c.downloadDir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Close shuts the tab and the browser process.
func (c *Chrome) Close() error {
	c.closeOnce.Do(func() {
		c.cancelTab()
		c.cancelAlloc()
	})
	return nil
}

// queryBy picks XPath for locators that look like one and CSS otherwise.
func queryBy(locator string) chromedp.QueryOption {
	if isXPath(locator) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func isXPath(locator string) bool {
	l := strings.TrimSpace(locator)
	return strings.HasPrefix(l, "/") || strings.HasPrefix(l, "(/") || strings.HasPrefix(l, "./")
}

func mapTimeout(err error, locator string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s not visible", domain.ErrTimeout, locator)
	}
	return err
}

var _ session.Driver = (*Chrome)(nil)
