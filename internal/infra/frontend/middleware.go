package frontend

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"unimcp/internal/infra/telemetry"
)

const apiKeyHeader = "X-API-Key"

// apiKeyAuth checks the X-API-Key header or apiKey query parameter against a
// static allow-list. An empty list disables the check.
type apiKeyAuth struct {
	keys [][]byte
}

func newAPIKeyAuth(keys []string) *apiKeyAuth {
	auth := &apiKeyAuth{}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			auth.keys = append(auth.keys, []byte(key))
		}
	}
	return auth
}

func (a *apiKeyAuth) Enabled() bool {
	return len(a.keys) > 0
}

func (a *apiKeyAuth) Allowed(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	presented := r.Header.Get(apiKeyHeader)
	if presented == "" {
		presented = r.URL.Query().Get("apiKey")
	}
	if presented == "" {
		return false
	}
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(presented), key) == 1 {
			return true
		}
	}
	return false
}

func (a *apiKeyAuth) Wrap(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "Unauthorized",
				"message": "a valid API key is required in the X-API-Key header or apiKey query parameter",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequest attaches request metadata and echoes the request id header.
func withRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, meta := telemetry.StartRequest(r.Context(), "http", r)
		w.Header().Set(telemetry.RequestIDHeader, meta.RequestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRecover turns handler panics into 500 responses.
func withRecover(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil || rec == http.ErrAbortHandler {
				if rec != nil {
					panic(rec)
				}
				return
			}
			fields := append([]zap.Field{
				telemetry.EventField(telemetry.EventPanicRecovered),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
			}, telemetry.RequestFields(telemetryMeta(r))...)
			logger.Error("http handler panicked", fields...)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		}()
		next.ServeHTTP(w, r)
	})
}

func telemetryMeta(r *http.Request) telemetry.RequestMeta {
	meta, _ := telemetry.RequestMetaFromContext(r.Context())
	return meta
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
