// Package requesttime pins one "now" per request so every log line and
// duration in the request agrees.
package requesttime

import (
	"net/http"
	"time"

	"orbitguard/pkg/requestcontext"
)

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
