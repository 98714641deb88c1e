package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fenestra/quotehub/internal/resource"
)

// Error is a structured HTTP failure. The JSON wrapper renders it as
// {"message": Reason, ...Extra} with the given status; attached headers
// (such as Retry-After) are preserved.
type Error struct {
	Status int
	Reason string
	Extra  map[string]any
	Header http.Header
}

func (e *Error) Error() string { return e.Reason }

// WithExtra attaches structured data to the failure body.
func (e *Error) WithExtra(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

func badRequest(reason string) *Error {
	return &Error{Status: http.StatusBadRequest, Reason: reason}
}

func unauthorized(reason string) *Error {
	return &Error{Status: http.StatusUnauthorized, Reason: reason}
}

func forbidden(reason string) *Error {
	return &Error{Status: http.StatusForbidden, Reason: reason}
}

func conflict(reason string) *Error {
	return &Error{Status: http.StatusConflict, Reason: reason}
}

// convertResourceErr maps the resource layer's failures onto structured
// HTTP errors: addressing problems become 400, missing records 404, and
// lock conflicts 409 with the message (trailing period stripped) plus the
// conflict's structured extra data.
func convertResourceErr(err error) error {
	var (
		badReq   *resource.BadRequestError
		notFound *resource.NotFoundError
		locked   *resource.LockedError
		bound    *resource.SessionBoundError
		notOwned *resource.NotOwnedError
	)
	switch {
	case errors.As(err, &badReq):
		return badRequest(badReq.Reason)
	case errors.As(err, &notFound):
		return &Error{Status: http.StatusNotFound, Reason: strings.TrimSuffix(notFound.Error(), ".")}
	case errors.As(err, &locked):
		return conflict(strings.TrimSuffix(locked.Error(), ".")).
			WithExtra("locked_by", locked.Resource.Owner().String())
	case errors.As(err, &bound):
		return conflict(strings.TrimSuffix(bound.Error(), ".")).
			WithExtra("session", bound.Session.ToJSON())
	case errors.As(err, &notOwned):
		return conflict(strings.TrimSuffix(notOwned.Error(), ".")).
			WithExtra("session", notOwned.Session.ToJSON())
	}
	return err
}

// handler is an HTTP handler that reports failure as an error value.
type handler func(w http.ResponseWriter, r *http.Request) error

// wrap converts a handler's error into the JSON failure shape. Structured
// errors keep their status, reason, and extra data; anything else is
// logged and replaced with a generic 500 body so no internals leak.
func wrap(h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		var httpErr *Error
		if errors.As(err, &httpErr) {
			body := map[string]any{"message": httpErr.Reason}
			for k, v := range httpErr.Extra {
				body[k] = v
			}
			for k, vs := range httpErr.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			writeJSON(w, httpErr.Status, body)
			return
		}

		slog.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON parses a request body into a JSON object.
func decodeJSON(r *http.Request) (map[string]any, error) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		return nil, badRequest("Malformed JSON body")
	}
	return data, nil
}
