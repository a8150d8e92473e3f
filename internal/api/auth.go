package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// parseBearer validates an HS256 token signed with secret.
func parseBearer(tokenString string, secret []byte) (*jwt.RegisteredClaims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// requireBearer rejects requests without a valid bearer token.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := parseBearer(strings.TrimSpace(token), s.secret)
		if err != nil {
			s.logger.Debug("rejected token", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.logger.Debug("authenticated", "subject", claims.Subject, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
