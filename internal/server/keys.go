package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pository/pository/internal/auth"
)

// createKeyRequest is the body of POST /api/v1/keys.
type createKeyRequest struct {
	Role        auth.Role   `json:"role"`
	Description string      `json:"description,omitempty"`
	Scope       *auth.Scope `json:"scope,omitempty"`
}

// createKeyResponse carries the plaintext secret, returned exactly
// once.
type createKeyResponse struct {
	ID          string      `json:"id"`
	Secret      string      `json:"secret"`
	Role        auth.Role   `json:"role"`
	Scope       *auth.Scope `json:"scope,omitempty"`
	Description string      `json:"description,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "invalid role", "role must be admin, write or read")
		return
	}

	key, secret, err := s.keys.CreateKey(req.Role, req.Description, req.Scope)
	if err != nil {
		writeInternal(w, "Failed to create key", err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:          key.ID,
		Secret:      secret,
		Role:        key.Role,
		Scope:       key.Scope,
		Description: key.Description,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.ListKeys())
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	err := s.keys.DeleteKey(mux.Vars(r)["id"])
	if errors.Is(err, auth.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, "not found", "")
		return
	}
	if err != nil {
		writeInternal(w, "Failed to delete key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
