package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"statusboard/internal/presence"
	"statusboard/internal/storage"
)

const maxUsernameLen = 64

type credentialsRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type usersResponse struct {
	Users []presence.Event `json:"users"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.allowAuth(w, r) {
		return
	}
	username, err := decodeUsername(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.store.CreateUser(r.Context(), username)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	s.logger.Info("user signed up", "user", username, "id", id)
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": id, "username": username})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.allowAuth(w, r) {
		return
	}
	username, err := decodeUsername(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, errors.New("unknown user"))
		return
	}
	token, expiresAt, err := s.sessions.Seal(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.setSessionCookie(w, token, expiresAt)
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: expiresAt,
	})
}

// HandleLogout drops the session cookie. Tokens are stateless, so a copied
// bearer token stays valid until it expires.
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	users, err := s.presence.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{Users: users})
}

// HandleDeleteUser removes /users/{username} and broadcasts the removal.
// Any signed-in user may do it.
func (s *Server) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, http.MethodDelete)
		return
	}
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if caller == nil {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}
	username := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/users/"))
	if username == "" {
		writeError(w, http.StatusBadRequest, errors.New("username required"))
		return
	}
	target, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if target == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	if _, err := s.presence.Remove(r.Context(), target.ID); err != nil {
		if errors.Is(err, presence.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("user deleted", "user", username, "by", caller.Username)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleIndex(wsPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		viewer, err := s.identify(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		users, err := s.presence.Snapshot(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		data := indexData{Users: users, WSPath: wsPath}
		if viewer != nil {
			data.Viewer = viewer.Username
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := indexTemplate.Execute(w, data); err != nil {
			s.logger.Error("render index", "err", err)
		}
	}
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func decodeUsername(r *http.Request) (string, error) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return "", errors.New("username is required")
	}
	if len(username) > maxUsernameLen || strings.ContainsAny(username, "/ \t\n") {
		return "", errors.New("username must be at most 64 characters without spaces or slashes")
	}
	return username, nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
