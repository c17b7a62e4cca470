package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/boqpro/pricematch/internal/api/response"
)

// RequestBodyTooLargeRecorder records requests rejected for exceeding the body limit.
// Pass nil when metrics are disabled.
type RequestBodyTooLargeRecorder interface {
	RecordRequestBodyTooLarge(ctx context.Context)
}

// MaxBody limits request bodies to maxBytes; 0 or negative disables the limit.
// A declared Content-Length over the limit is rejected with 413 before the handler runs.
// Bodies without a length are cut off by http.MaxBytesReader, and decoders surface the
// resulting *http.MaxBytesError as 413.
func MaxBody(maxBytes int64, recorder RequestBodyTooLargeRecorder) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	record := func(ctx context.Context) {
		if recorder != nil {
			recorder.RecordRequestBodyTooLarge(ctx)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				record(r.Context())
				response.RespondError(w, http.StatusRequestEntityTooLarge,
					"Request Entity Too Large", "request body exceeds maximum allowed size")

				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				r.Body = &limitedBody{
					ReadCloser: http.MaxBytesReader(w, r.Body, maxBytes),
					onExceeded: func() { record(r.Context()) },
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitedBody reports the first read that hits the limit.
type limitedBody struct {
	io.ReadCloser

	once       sync.Once
	onExceeded func()
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.once.Do(b.onExceeded)
	}

	return n, err //nolint:wrapcheck // io.Reader contract: io.EOF must pass through unwrapped
}
