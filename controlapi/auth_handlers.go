package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/duskvale/streamd/controlapi/auth"
)

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if body.Username != d.AdminUsername || !auth.CheckPassword(d.AdminPasswordHash, body.Password) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		token, err := auth.IssueAccessToken(d.JWTSecret, body.Username, adminRole)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token issuance failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
	}
}
