package controllers

import (
	"context"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
)

// AuthController checks the X-API-Key header (or apiKey query parameter, for WebSocket
// clients) against a bcrypt hash. With no hash configured every request is let through.
type AuthController struct {
	APIKeyHash string
}

func NewAuthController(apiKeyHash string) *AuthController {
	return &AuthController{APIKeyHash: apiKeyHash}
}

// HashAPIKey produces the value to configure as API_KEY_HASH.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (ac *AuthController) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ac.APIKeyHash == "" {
			next(w, r.WithContext(context.WithValue(r.Context(), core.CtxKeyClient, r.RemoteAddr)))
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("apiKey")
		}
		if apiKey == "" || bcrypt.CompareHashAndPassword([]byte(ac.APIKeyHash), []byte(apiKey)) != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), core.CtxKeyClient, "api-key@"+r.RemoteAddr)
		next(w, r.WithContext(ctx))
	}
}
