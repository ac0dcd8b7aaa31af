package popup

import (
	"context"
	"net/http"
)

// HTTPRedirect navigates the HTTP client that issued R by answering with a
// 302 to the authorization URL.
type HTTPRedirect struct {
	W http.ResponseWriter
	R *http.Request
}

func (h HTTPRedirect) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	http.Redirect(h.W, h.R, url, http.StatusFound)
	return nil
}
