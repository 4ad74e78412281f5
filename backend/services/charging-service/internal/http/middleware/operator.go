package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// OperatorKeyHeader carries the operator secret.
const OperatorKeyHeader = "X-Operator-Key"

// OperatorMiddleware admits requests whose X-Operator-Key matches the bcrypt hash. An empty hash
// rejects every request.
func OperatorMiddleware(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(OperatorKeyHeader)
			if keyHash == "" || key == "" || bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
				writeUnauthorized(w, "operator key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
