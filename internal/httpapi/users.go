package httpapi

import (
	"errors"
	"net/http"

	"github.com/Avicted/chatsync/internal/user"
)

type userResponse struct {
	ID       user.ID `json:"id"`
	Username string  `json:"username"`
}

// handleUsers resolves a username to its id so clients can open a
// conversation by name.
func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.users == nil {
		writeError(w, http.StatusInternalServerError, errors.New("user service not configured"))
		return
	}
	if _, err := h.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, errors.New("username is required"))
		return
	}
	u, err := h.users.GetByUsername(r.Context(), username)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Username: u.Username})
}
