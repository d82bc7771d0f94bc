package internal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"statusboard/internal/presence"
	"statusboard/internal/storage"
)

const sessionCookie = "statusboard_session"

var (
	errUnauthorized    = errors.New("unauthorized")
	errInvalidToken    = errors.New("invalid session token")
	errTokenExpired    = errors.New("session token expired")
	errTooManyAttempts = errors.New("too many attempts, try again later")
)

type sessionClaims struct {
	UserID    int64  `json:"uid"`
	Username  string `json:"usr"`
	ExpiresAt int64  `json:"exp"`
}

// Sealer issues and opens session tokens. A token is the user's claims
// encrypted with XChaCha20-Poly1305, so the server keeps no session table.
type Sealer struct {
	aead cipher.AEAD
	ttl  time.Duration
	now  func() time.Time
}

// NewSealer derives the token key from secret. An empty secret produces a
// random key.
func NewSealer(secret string, ttl time.Duration) (*Sealer, error) {
	var key [chacha20poly1305.KeySize]byte
	if secret == "" {
		if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
	} else {
		key = sha256.Sum256([]byte(secret))
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	return &Sealer{aead: aead, ttl: ttl, now: time.Now}, nil
}

// Seal returns a token for user and its expiry.
func (s *Sealer) Seal(user *storage.User) (string, time.Time, error) {
	expiresAt := s.now().Add(s.ttl)
	plaintext, err := json.Marshal(sessionClaims{
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", time.Time{}, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), expiresAt, nil
}

// Open verifies token and returns its claims.
func (s *Sealer) Open(token string) (sessionClaims, error) {
	var claims sessionClaims
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return claims, errInvalidToken
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return claims, errInvalidToken
	}
	if err := json.Unmarshal(plaintext, &claims); err != nil || claims.UserID <= 0 {
		return claims, errInvalidToken
	}
	if s.now().Unix() >= claims.ExpiresAt {
		return claims, errTokenExpired
	}
	return claims, nil
}

// requestToken picks the session token from the Authorization header, the
// token query parameter or the session cookie, in that order.
func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// identify resolves the request to a user. Missing, invalid or stale tokens
// yield presence.Anonymous; only storage failures are errors.
func (s *Server) identify(r *http.Request) (*storage.User, error) {
	token := requestToken(r)
	if token == "" {
		return nil, nil
	}
	claims, err := s.sessions.Open(token)
	if err != nil {
		s.logger.Debug("ignoring session token", "err", err)
		return nil, nil
	}
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func userID(user *storage.User) int64 {
	if user == nil {
		return presence.Anonymous
	}
	return user.ID
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
