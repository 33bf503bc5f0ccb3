package middleware

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/internal/identity"
	otelint "github.com/pbinitiative/zencond/internal/otel"
)

// Identity resolves the bearer token of the request into the identity
// carried by engine commands. Requests without a valid token are rejected
// when authentication is enabled, otherwise every request acts as
// identity.Anonymous.
func Identity(conf config.Identity) func(next http.Handler) http.Handler {
	resolver := identity.NewResolver(conf)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := identity.Anonymous
			if conf.Enabled {
				var err error
				user, err = resolver.Resolve(r.Header.Get("Authorization"))
				if err != nil {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("WWW-Authenticate", `Bearer realm="zencond"`)
					w.WriteHeader(http.StatusUnauthorized)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "UNAUTHORIZED",
						"message": err.Error(),
					})
					return
				}
			}
			trace.SpanFromContext(r.Context()).SetAttributes(otelint.UsernameKey.String(user.Username))
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), user)))
		})
	}
}
