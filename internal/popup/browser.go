package popup

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/browser"

	"github.com/dgellow/login-handshake/internal/log"
)

// BrowserLauncher opens the authorization URL in the system browser.
// The browser cannot be closed or observed from here, so user closes are
// reported through the Registry instead.
type BrowserLauncher struct {
	// Stdout and Stderr receive output of the browser helper process.
	// Both default to io.Discard so they never mix with CLI output.
	Stdout io.Writer
	Stderr io.Writer

	open func(url string) error
}

// NewBrowserLauncher returns a launcher backed by the system browser.
func NewBrowserLauncher() *BrowserLauncher {
	return &BrowserLauncher{}
}

func (l *BrowserLauncher) Launch(ctx context.Context, url, features string) (Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	open := l.open
	if open == nil {
		browser.Stdout = writerOrDiscard(l.Stdout)
		browser.Stderr = writerOrDiscard(l.Stderr)
		open = browser.OpenURL
	}
	if err := open(url); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	log.LogInfoWithFields("popup", "Opened authorization page in the system browser", map[string]any{
		"features": features,
	})
	return browserWindow{}, nil
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

type browserWindow struct{}

func (browserWindow) Close() error          { return nil }
func (browserWindow) Done() <-chan struct{} { return nil }
