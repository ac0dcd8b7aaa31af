package hostbus

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dgellow/login-handshake/internal/log"
	"github.com/dgellow/login-handshake/internal/popup"
)

// CompletionPagePattern matches the tabs a relay leaves behind once a
// handshake finished.
const CompletionPagePattern = "*://*/w3a-response"

// Tab is a snapshot of an open host tab.
type Tab struct {
	ID  string
	URL string
}

type tab struct {
	url  string
	done chan struct{}
}

// Tabs tracks the tabs opened in the host. It doubles as a popup.Launcher:
// a launched tab that is removed by anyone other than its window handle
// counts as closed by the user.
type Tabs struct {
	mu   sync.Mutex
	tabs map[string]*tab
}

var _ popup.Launcher = (*Tabs)(nil)

func NewTabs() *Tabs {
	return &Tabs{tabs: make(map[string]*tab)}
}

// Open creates a tab showing rawURL.
func (t *Tabs) Open(rawURL string) Tab {
	id, _ := t.open(rawURL)
	return Tab{ID: id, URL: rawURL}
}

func (t *Tabs) open(rawURL string) (string, chan struct{}) {
	id := uuid.NewString()
	done := make(chan struct{})

	t.mu.Lock()
	t.tabs[id] = &tab{url: rawURL, done: done}
	t.mu.Unlock()

	return id, done
}

// Navigate points an existing tab at a new URL, as a provider redirect does.
func (t *Tabs) Navigate(id, rawURL string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tb, ok := t.tabs[id]
	if !ok {
		return fmt.Errorf("tab %s not found", id)
	}
	tb.url = rawURL
	return nil
}

// Remove closes a tab. It reports whether the tab existed.
func (t *Tabs) Remove(id string) bool {
	t.mu.Lock()
	tb, ok := t.tabs[id]
	if ok {
		delete(t.tabs, id)
	}
	t.mu.Unlock()

	if ok {
		close(tb.done)
	}
	return ok
}

// Query returns the open tabs whose URL matches pattern, ordered by URL.
func (t *Tabs) Query(pattern string) []Tab {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Tab
	for id, tb := range t.tabs {
		if MatchURL(pattern, tb.url) {
			out = append(out, Tab{ID: id, URL: tb.url})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// CloseMatching removes every tab matching pattern and returns the count.
func (t *Tabs) CloseMatching(pattern string) int {
	matched := t.Query(pattern)
	closed := 0
	for _, tb := range matched {
		if t.Remove(tb.ID) {
			closed++
		}
	}
	if closed > 0 {
		log.LogDebugWithFields("hostbus", "Closed completion tabs", map[string]any{
			"pattern": pattern,
			"count":   closed,
		})
	}
	return closed
}

// Launch implements popup.Launcher by opening a host tab.
func (t *Tabs) Launch(ctx context.Context, rawURL, features string) (popup.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, done := t.open(rawURL)
	return &tabWindow{tabs: t, id: id, done: done}, nil
}

type tabWindow struct {
	tabs *Tabs
	id   string
	done chan struct{}
}

func (w *tabWindow) Close() error {
	w.tabs.Remove(w.id)
	return nil
}

func (w *tabWindow) Done() <-chan struct{} {
	return w.done
}

// MatchURL reports whether rawURL matches a host match pattern of the form
// scheme://host/path. A "*" scheme matches http and https, a "*" host
// matches any host, "*.example.com" matches subdomains, and the path is a
// glob. Query and fragment are ignored.
func MatchURL(pattern, rawURL string) bool {
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return false
	}
	host, pathPattern, _ := strings.Cut(rest, "/")
	pathPattern = "/" + pathPattern

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	switch scheme {
	case "*":
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
	default:
		if u.Scheme != scheme {
			return false
		}
	}

	hostname := u.Hostname()
	switch {
	case host == "*":
	case strings.HasPrefix(host, "*."):
		suffix := host[1:]
		if hostname != host[2:] && !strings.HasSuffix(hostname, suffix) {
			return false
		}
	default:
		if hostname != host {
			return false
		}
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	matched, err := path.Match(pathPattern, p)
	return err == nil && matched
}
