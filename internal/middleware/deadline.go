package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/callguard/callguard/internal/apierror"
)

// Deadline returns middleware that bounds the whole request with a deadline.
// When the deadline fires before the handler completes, a 504 error envelope
// is written, unless the handler already started its response. Pass 0 to
// disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if dw.tryClaimWrite() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout,
						apierror.DeadlineExceeded, "request deadline exceeded")
				}
				// Wait for the handler goroutine so we never return while
				// it still holds the ResponseWriter.
				<-done
			}
		})
	}
}

// deadlineWriter tracks whether any response bytes have gone out, so the
// timeout path never writes a 504 into the middle of a streamed response.
type deadlineWriter struct {
	http.ResponseWriter
	claimed bool
}

// tryClaimWrite claims the right to write the response. The two callers are
// ordered by the done channel, so a plain bool suffices.
func (dw *deadlineWriter) tryClaimWrite() bool {
	if dw.claimed {
		return false
	}
	dw.claimed = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.claimed = true
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.claimed = true
	return dw.ResponseWriter.Write(b)
}
