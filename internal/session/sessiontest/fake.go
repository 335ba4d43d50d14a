// Package sessiontest provides a scriptable in-memory browser for tests.
package sessiontest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/session"
)

// Driver is a fake session.Driver. Elements are plain locator strings that
// are either visible or not; clicks run registered effects.
type Driver struct {
	mu        sync.Mutex
	visible   map[string]bool
	onClick   map[string]func(d *Driver)
	typed     map[string]string
	clicks    []string
	finds     int
	navigated []string
	artifacts []string
	closes    int
}

// NewDriver returns a driver with nothing visible.
func NewDriver() *Driver {
	return &Driver{
		visible: make(map[string]bool),
		onClick: make(map[string]func(d *Driver)),
		typed:   make(map[string]string),
	}
}

// Show makes locators visible.
func (d *Driver) Show(locators ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range locators {
		d.visible[l] = true
	}
}

// Hide makes locators invisible.
func (d *Driver) Hide(locators ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range locators {
		delete(d.visible, l)
	}
}

// OnClick registers an effect run after locator is clicked.
func (d *Driver) OnClick(locator string, fn func(d *Driver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClick[locator] = fn
}

// AddArtifact simulates a file appearing in the download directory.
func (d *Driver) AddArtifact(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.artifacts = append(d.artifacts, path)
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *Driver) Find(ctx context.Context, locator string) (session.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finds++
	if d.visible[locator] {
		return session.Element{Locator: locator}, nil
	}
	return session.Element{}, session.ErrElementNotFound
}

func (d *Driver) Click(ctx context.Context, locator string) error {
	d.mu.Lock()
	d.clicks = append(d.clicks, locator)
	fn := d.onClick[locator]
	d.mu.Unlock()
	if fn != nil {
		fn(d)
	}
	return nil
}

func (d *Driver) Type(ctx context.Context, locator, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typed[locator] = text
	return nil
}

func (d *Driver) WaitFor(ctx context.Context, locator string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := d.Find(ctx, locator); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", domain.ErrTimeout, locator)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (d *Driver) CurrentArtifacts(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string(nil), d.artifacts...)
	sort.Strings(out)
	return out, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// Closes reports how many times Close was called.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Clicks returns the click history.
func (d *Driver) Clicks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.clicks...)
}

// ClickCount counts clicks on one locator.
func (d *Driver) ClickCount(locator string) int {
	n := 0
	for _, c := range d.Clicks() {
		if c == locator {
			n++
		}
	}
	return n
}

// Typed returns the last text typed into locator.
func (d *Driver) Typed(locator string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typed[locator]
}

// Finds counts Find calls.
func (d *Driver) Finds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finds
}

// IdentitySelectors maps every logical name to itself so tests can script
// the driver with logical names directly.
func IdentitySelectors(names ...string) session.Selectors {
	s := make(session.Selectors, len(names))
	for _, n := range names {
		s[n] = n
	}
	return s
}

// LoginSelectors is the selector set most session tests need.
func LoginSelectors() session.Selectors {
	return IdentitySelectors(
		session.SelUsername, session.SelPassword, session.SelLoginSubmit, session.SelLoginError,
		session.SelOTPField, session.SelCaptchaField, session.SelMFASubmit, session.SelMFAError,
		session.SelDeviceTrust, session.SelTrustContinue, session.SelDashboard,
		session.SelDownloadPanel, session.SelDownload, session.SelLogout,
		session.SelStartDate, session.SelEndDate,
	)
}

// FastConfig keeps every wait in the low milliseconds.
func FastConfig() session.Config {
	return session.Config{
		LandmarkTimeout: 30 * time.Millisecond,
		PollInterval:    time.Millisecond,
		MFAWait:         50 * time.Millisecond,
		DownloadTimeout: 30 * time.Millisecond,
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
	}
}

var _ session.Driver = (*Driver)(nil)
