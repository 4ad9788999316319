package proxy

import (
	"encoding/json"
	"net/http"
)

// loginRequest is the body of POST /session/login.
type loginRequest struct {
	Usuario  string `json:"usuario"`
	Password string `json:"password"`
}

// loginResponse is the body returned by POST /session/login.
type loginResponse struct {
	Profile json.RawMessage `json:"profile,omitempty"`
}

// SessionHandler serves the session lifecycle endpoints.
type SessionHandler struct {
	Sessions Sessions
}

// Login handles POST /session/login.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(ctx, w, "invalid request body", http.StatusBadRequest)
		return
	}

	profile, err := h.Sessions.Login(ctx, req.Usuario, req.Password)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, loginResponse{Profile: profile}, http.StatusOK)
}

// Status handles GET /session.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, h.Sessions.Bootstrap(r.Context()), http.StatusOK)
}

// Logout handles DELETE /session.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Clear(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
