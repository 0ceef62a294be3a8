/*
auth.go - Bearer token authentication

PURPOSE:
  Resolves the calling Actor from an HS256 JWT. Tokens are issued elsewhere;
  this layer only verifies them.

CLAIMS:
  sub   actor id (expert id, student id, or admin id)
  role  "student" | "expert" | "admin"
  exp   optional; enforced when present
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/mentor-marketplace/marketplace"
)

type contextKey string

const actorContextKey = contextKey("actor")

type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved actor on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			writeMessage(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		actor, err := a.Parse(tokenString)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), actorContextKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) Parse(tokenString string) (marketplace.Actor, error) {
	token, err := a.parser.Parse(tokenString, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return marketplace.Actor{}, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return marketplace.Actor{}, fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return marketplace.Actor{}, fmt.Errorf("subject not found in token")
	}
	role, _ := claims["role"].(string)
	switch marketplace.Role(role) {
	case marketplace.RoleStudent, marketplace.RoleExpert, marketplace.RoleAdmin:
	default:
		return marketplace.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return marketplace.Actor{ID: sub, Role: marketplace.Role(role)}, nil
}

// ActorFrom returns the actor stored by Middleware.
func ActorFrom(ctx context.Context) (marketplace.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(marketplace.Actor)
	return actor, ok
}
