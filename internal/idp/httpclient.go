package idp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/dgellow/login-handshake/internal/log"
)

// leveledLogger routes retryablehttp logging into the component logger.
// Errors are downgraded to warnings since a failed attempt is retried.
type leveledLogger struct{}

func fields(keysAndValues []any) map[string]any {
	f := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (leveledLogger) Error(msg string, kv ...any) { log.LogWarnWithFields("idp", msg, fields(kv)) }
func (leveledLogger) Warn(msg string, kv ...any)  { log.LogWarnWithFields("idp", msg, fields(kv)) }
func (leveledLogger) Info(msg string, kv ...any)  { log.LogDebugWithFields("idp", msg, fields(kv)) }
func (leveledLogger) Debug(msg string, kv ...any) { log.LogTraceWithFields("idp", msg, fields(kv)) }

// NewHTTPClient returns the client used for provider API calls: retries on
// connection errors and 5xx, but not on 429.
func NewHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(leveledLogger{})
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	client := rc.StandardClient()
	client.Timeout = 30 * time.Second
	return client
}

// withClient makes oauth2 (and go-oidc, which reads the same key) use client.
func withClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// bearerClient is an http.Client that sends accessToken on every request.
func bearerClient(ctx context.Context, client *http.Client, accessToken string) *http.Client {
	return oauth2.NewClient(withClient(ctx, client), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}
