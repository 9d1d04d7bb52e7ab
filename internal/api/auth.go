package api

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/store"
)

type contextKey string

const tenantKey contextKey = "tenant"

// KeyStore resolves raw API keys to tenant ids.
type KeyStore interface {
	TenantForAPIKey(ctx context.Context, rawKey string) (string, error)
}

// Auth authenticates requests by X-API-Key and pins them to the X-Tenant-Id
// scope. The key must belong to the tenant the request claims.
func Auth(keys KeyStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			tenantID := r.Header.Get("X-Tenant-Id")
			if rawKey == "" || tenantID == "" {
				respondError(w, http.StatusUnauthorized, "X-API-Key and X-Tenant-Id headers are required")
				return
			}

			owner, err := keys.TenantForAPIKey(r.Context(), rawKey)
			if errors.Is(err, store.ErrNotFound) || (err == nil && owner != tenantID) {
				respondError(w, http.StatusUnauthorized, "invalid API key for tenant")
				return
			}
			if err != nil {
				logger.Error("api key lookup failed", zap.Error(err))
				respondError(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}

			ctx := context.WithValue(r.Context(), tenantKey, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the authenticated tenant id.
func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}
