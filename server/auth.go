package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// defaultTokenTTL applies when the config leaves auth.token_ttl at zero.
const defaultTokenTTL = 24 * time.Hour

// signJWT issues an HS256 token for subject valid for ttl from now.
func signJWT(secret, subject string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// verifyJWT validates a token and returns its subject.
func verifyJWT(secret, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// HashPassword returns the bcrypt hash stored in auth.admin_pass.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// generateSecret creates a random 32-byte secret.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwtSecret returns the configured JWT secret, generating one if empty.
func (s *Server) jwtSecret() string {
	if s.cfg.Auth.JWTSecret != "" {
		return s.cfg.Auth.JWTSecret
	}
	s.secretOnce.Do(func() {
		s.generatedSecret = generateSecret()
		s.logger.Warn("auth.jwt_secret not set; using a generated secret, tokens will not survive a restart")
	})
	return s.generatedSecret
}

// loginRequest is the body accepted by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the body returned by a successful login.
type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin checks credentials against the bcrypt hash and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.cfg.Auth.AdminPass == "" || req.Username != s.cfg.Auth.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(s.cfg.Auth.AdminPass), []byte(req.Password)) != nil {
		s.logger.Info("login rejected", zap.String("username", req.Username), zap.String("remote_addr", r.RemoteAddr))
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ttl := s.cfg.Auth.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	token, err := signJWT(s.jwtSecret(), req.Username, now, ttl)
	if err != nil {
		s.logger.Error("sign jwt", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: now.Add(ttl).UTC()})
}

// handleMe returns the currently authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": subjectFromContext(r.Context())})
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for EventSource clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authMiddleware enforces JWT authentication on wrapped handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		subject, err := verifyJWT(s.jwtSecret(), token)
		if err != nil {
			s.logger.Debug("token rejected", zap.Error(err))
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithSubject(r.Context(), subject)))
	})
}
