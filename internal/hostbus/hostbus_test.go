package hostbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()

	var got [][]byte
	unsubscribe := bus.Subscribe(func(body []byte) { got = append(got, body) })
	assert.Equal(t, 1, bus.Subscribers())

	assert.Equal(t, 1, bus.Publish([]byte("one")))
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Publish([]byte("two")))

	assert.Equal(t, [][]byte{[]byte("one")}, got)
}

func TestBus_UnsubscribeFromHandler(t *testing.T) {
	bus := NewBus()

	calls := 0
	var unsubscribe func()
	unsubscribe = bus.Subscribe(func(body []byte) {
		calls++
		unsubscribe()
	})

	bus.Publish([]byte("a"))
	bus.Publish([]byte("b"))
	assert.Equal(t, 1, calls)
}

func TestMatchURL(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{CompletionPagePattern, "https://wallet.example.com/w3a-response", true},
		{CompletionPagePattern, "http://localhost:8787/w3a-response?state=abc#access_token=x", true},
		{CompletionPagePattern, "https://wallet.example.com/other", false},
		{CompletionPagePattern, "chrome-extension://abc/w3a-response", false},
		{"https://*.example.com/*", "https://a.example.com/x", true},
		{"https://*.example.com/*", "https://example.com/x", true},
		{"https://*.example.com/*", "https://example.org/x", false},
		{"https://login.example.com/cb", "https://login.example.com/cb", true},
		{"https://login.example.com/cb", "http://login.example.com/cb", false},
		{"not-a-pattern", "https://x", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchURL(tt.pattern, tt.url), "%s vs %s", tt.pattern, tt.url)
	}
}

func TestTabs_CloseMatching(t *testing.T) {
	tabs := NewTabs()
	keep := tabs.Open("https://wallet.example.com/home")
	done := tabs.Open("https://wallet.example.com/w3a-response#state=x")

	assert.Len(t, tabs.Query(CompletionPagePattern), 1)
	assert.Equal(t, 1, tabs.CloseMatching(CompletionPagePattern))
	assert.Empty(t, tabs.Query(CompletionPagePattern))
	assert.False(t, tabs.Remove(done.ID))
	assert.True(t, tabs.Remove(keep.ID))
}

func TestTabs_LaunchAndUserClose(t *testing.T) {
	tabs := NewTabs()
	w, err := tabs.Launch(context.Background(), "https://accounts.example.com/authorize", "")
	require.NoError(t, err)

	opened := tabs.Query("https://accounts.example.com/*")
	require.Len(t, opened, 1)

	// The provider redirects the tab to the completion page
	require.NoError(t, tabs.Navigate(opened[0].ID, "https://wallet.example.com/w3a-response"))
	assert.Equal(t, 1, tabs.CloseMatching(CompletionPagePattern))

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("window not reported done")
	}
	assert.NoError(t, w.Close())
}

func TestTabs_NavigateUnknown(t *testing.T) {
	assert.Error(t, NewTabs().Navigate("missing", "https://x"))
}
