package middleware

import (
	"maps"
	"net/http"
	"slices"
)

// StripEmptyQueryParams removes query parameter values that are empty
// strings, parameters left without values are removed.
func StripEmptyQueryParams() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			for name, values := range query {
				query[name] = slices.DeleteFunc(values, func(v string) bool { return v == "" })
			}
			maps.DeleteFunc(query, func(_ string, values []string) bool { return len(values) == 0 })
			r.URL.RawQuery = query.Encode()
			next.ServeHTTP(w, r)
		})
	}
}
