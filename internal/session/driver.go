package session

import (
	"context"
	"errors"
	"time"
)

// ErrElementNotFound is returned by Driver.Find (and by Click/Type) when the
// locator matches nothing at the moment of the call.
var ErrElementNotFound = errors.New("element not found")

// Element is what Driver.Find reports about a matched node.
type Element struct {
	Locator string
	Text    string
}

// Driver is the narrow browser contract a Session needs. Find must not wait;
// WaitFor waits up to timeout and returns an error wrapping domain.ErrTimeout
// when the element never appears. CurrentArtifacts lists files in the
// download directory, including partial ones.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, locator string) (Element, error)
	Click(ctx context.Context, locator string) error
	Type(ctx context.Context, locator, text string) error
	WaitFor(ctx context.Context, locator string, timeout time.Duration) error
	CurrentArtifacts(ctx context.Context) ([]string, error)
	Close() error
}
