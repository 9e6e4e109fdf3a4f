package handler

import (
	"context"

	"github.com/labstack/echo/v4"
)

type contextKey string

// viewerKey is the context key for the viewer DID injected by the
// out-of-scope auth surface via the X-Viewer-Did header.
const viewerKey contextKey = "viewer_did"

// ViewerHeader is the header carrying the authenticated viewer's DID.
const ViewerHeader = "X-Viewer-Did"

// WithViewer returns a context carrying the viewer DID.
func WithViewer(ctx context.Context, did string) context.Context {
	return context.WithValue(ctx, viewerKey, did)
}

// GetViewer extracts the viewer DID from the context.
func GetViewer(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(viewerKey).(string)
	return v, ok && v != ""
}

// ViewerMiddleware lifts the X-Viewer-Did header into the request context.
// Requests without the header proceed as anonymous.
func ViewerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if did := c.Request().Header.Get(ViewerHeader); did != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(WithViewer(req.Context(), did)))
			}
			return next(c)
		}
	}
}
