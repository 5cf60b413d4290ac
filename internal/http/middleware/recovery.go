package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/jmylchreest/rtmpush/internal/observability"
)

// Recovery converts a handler panic into a 500 problem response. Aborted
// handlers (http.ErrAbortHandler) are re-panicked for net/http to handle.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				requestID := observability.RequestIDFromContext(r.Context())
				observability.WithRequestID(logger, requestID).ErrorContext(r.Context(), "handler panicked",
					slog.String("panic", fmt.Sprint(rec)),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)

				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = fmt.Fprintf(w, `{"title":%q,"status":%d,"detail":"request %s failed"}`,
					http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError, requestID)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
