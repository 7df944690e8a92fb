package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuthMiddleware пропускает только запросы с заголовком Authorization: Bearer <token>.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || provided == "" {
				http.Error(w, "требуется токен доступа", http.StatusUnauthorized)
				return
			}
			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), expected) != 1 {
				http.Error(w, "токен недействителен", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
