package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

const TenantKey key = 1

// TenantHeader carries the pre-authenticated tenant identity. Upstream
// auth terminates before this service; here we only resolve and require it.
const TenantHeader = "X-Tenant-ID"

func TenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			slog.WarnContext(r.Context(), "request missing tenant header", "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{
					"code":    "TENANT_REQUIRED",
					"message": TenantHeader + " header required",
				},
				"correlationId": GetCorrelationID(r.Context()),
			})
			return
		}

		ctx := context.WithValue(r.Context(), TenantKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(TenantKey).(string); ok {
		return id
	}
	return ""
}

func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TenantKey, id)
}
