package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuthMiddleware пропускает только запросы с известным bearer-токеном.
// Используется на внутренних маршрутах, недоступных обычным клиентам.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "internal api disabled", http.StatusUnauthorized)
				return
			}
			header := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
