package auth

import (
	"context"
	"net/http"
)

// Header carries the caller's key.
const Header = "key"

// DeniedMessage is the body sent with a 401.
const DeniedMessage = "You need a valid key."

type ctxKey struct{}

// Middleware rejects requests without a valid key header.
func Middleware(ks *KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := ks.Verify(r.Header.Get(Header))
			if err != nil {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(DeniedMessage))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, subject)))
		})
	}
}

// Subject returns the subject the middleware stored on the request context.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}
