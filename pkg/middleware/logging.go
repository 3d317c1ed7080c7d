package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/models"
)

// RequestLogger returns middleware that logs each request at DEBUG
// level with the tenant identity resolved further down the chain. It
// seeds the request context with a request id; the auth layer fills in
// the tenant once the API key is verified. Pass a nil logger to disable
// logging.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := &models.RequestContext{RequestID: uuid.NewString()}
			r = r.WithContext(models.SetRequestContext(r.Context(), rc))

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", recorder.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", rc.RequestID),
			}
			if rc.Tenant != nil {
				fields = append(fields, zap.String("tenant", rc.Tenant.Slug))
			}
			logger.Debug("HTTP request", fields...)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
