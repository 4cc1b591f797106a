package httpapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/storefront/internal/logging"
	"go.uber.org/zap"
)

// OwnerHeader carries the authenticated owner id, set by the auth layer in
// front of this service.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

func ownerFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(ownerKey{}).(int64)
	return id
}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(OwnerHeader))
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			respondError(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "missing or invalid " + OwnerHeader})
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger puts a request-scoped logger in the context and writes one
// access line per request.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With(
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := logging.ContextWithLogger(r.Context(), logger)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("http_request", fields...)
			} else {
				logger.Info("http_request", fields...)
			}
		})
	}
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.FromContext(r.Context()).Error("http_panic",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				respondError(w, http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
