package httpapi

import (
	"errors"
	"net/http"

	"github.com/fenestra/quotehub/internal/session"
	"github.com/fenestra/quotehub/internal/store"
)

func tokenResponse(w http.ResponseWriter, t *session.Token) error {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Ok",
		"token":   t.ToJSON(),
	})
	return nil
}

// loginHandler authenticates username/password and mints a fresh token,
// reusing the supplied session when it belongs to the same user.
func loginHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		data, err := decodeJSON(r)
		if err != nil {
			return err
		}

		username, okU := data["username"].(string)
		password, okP := data["password"].(string)
		if !okU || !okP || username == "" || password == "" {
			return badRequest("Missing or invalid username/password")
		}
		sessionID, _ := data["session_id"].(string)

		user, err := d.Store.GetUser(r.Context(), username, password)
		if err != nil {
			if errors.Is(err, store.ErrInvalidCredentials) {
				return unauthorized("Incorrect username/password")
			}
			return err
		}

		token, err := d.Registry.Login(user, sessionID)
		if err != nil {
			if errors.Is(err, session.ErrTooManyTokens) {
				return unauthorized("Too many unexpired tokens")
			}
			return err
		}

		if d.Metrics != nil {
			d.Metrics.TokensIssued.Inc()
		}
		return tokenResponse(w, token)
	}
}

// refreshHandler rotates the token addressed by its refresh key.
func refreshHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		data, err := decodeJSON(r)
		if err != nil {
			return err
		}

		refresh, ok := data["refresh"].(string)
		if !ok || refresh == "" {
			return badRequest("Missing refresh token")
		}

		token, err := d.Registry.Refresh(refresh)
		if err != nil {
			return unauthorized("Invalid or expired refresh token")
		}
		return tokenResponse(w, token)
	}
}

// logoutHandler kills the caller's token. The killed token is still
// rendered in the response; the sweeper collects it later.
func logoutHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		token, err := d.Registry.Logout(bearerKey(r))
		if err != nil {
			return unauthorized("Invalid or expired access token")
		}
		return tokenResponse(w, token)
	}
}
