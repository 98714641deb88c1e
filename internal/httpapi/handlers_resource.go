package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fenestra/quotehub/internal/identity"
	"github.com/fenestra/quotehub/internal/resource"
	"github.com/fenestra/quotehub/internal/session"
)

func resourceResponse(w http.ResponseWriter, res resource.Resource, v resource.Version) error {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Ok",
		"resource": res.ToJSON(v),
	})
	return nil
}

// loadResource resolves the route's rtype/rid through the manager and
// returns it together with the caller's session.
func loadResource(d Dependencies, r *http.Request) (resource.Resource, *session.Session, error) {
	token := tokenFromContext(r.Context())
	if token == nil {
		return nil, nil, unauthorized("Invalid or expired access token")
	}

	res, err := d.Resources.Get(r.Context(), chi.URLParam(r, "rtype"), chi.URLParam(r, "rid"))
	if err != nil {
		return nil, nil, convertResourceErr(err)
	}
	return res, token.Session(), nil
}

func checkPermission(user *identity.User, res resource.Resource, action identity.PermissionType) error {
	if !user.HasPermissionFor(action, res.Owner()) {
		return forbidden("Missing required permission").
			WithExtra("permission", string(action)).
			WithExtra("resource_type", res.Key().Type).
			WithExtra("resource_id", res.Key().ID)
	}
	return nil
}

// acquireHandler takes the resource lock for the caller's session.
func acquireHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		res, sess, err := loadResource(d, r)
		if err != nil {
			return err
		}
		if err := checkPermission(sess.User(), res, identity.PermAcquire); err != nil {
			return err
		}
		if err := d.Resources.Acquire(sess, res); err != nil {
			return convertResourceErr(err)
		}
		return resourceResponse(w, res, resource.VersionMetadata)
	}
}

// releaseHandler drops the caller's lock. No permission check: a session
// may always release what it holds, and releasing an unlocked resource is
// a no-op.
func releaseHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		res, sess, err := loadResource(d, r)
		if err != nil {
			return err
		}
		if err := d.Resources.Release(sess, res, false); err != nil {
			return convertResourceErr(err)
		}
		return resourceResponse(w, res, resource.VersionMetadata)
	}
}

// previewHandler renders the preview version; it requires the preview
// permission and an acquired lock.
func previewHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		res, sess, err := loadResource(d, r)
		if err != nil {
			return err
		}
		if err := checkPermission(sess.User(), res, identity.PermPreview); err != nil {
			return err
		}
		if err := d.Resources.EnsureAcquired(sess, res); err != nil {
			return convertResourceErr(err)
		}
		return resourceResponse(w, res, resource.VersionPreview)
	}
}

// viewHandler renders the full view; it requires the view permission and
// an acquired lock.
func viewHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		res, sess, err := loadResource(d, r)
		if err != nil {
			return err
		}
		if err := checkPermission(sess.User(), res, identity.PermView); err != nil {
			return err
		}
		if err := d.Resources.EnsureAcquired(sess, res); err != nil {
			return convertResourceErr(err)
		}
		return resourceResponse(w, res, resource.VersionView)
	}
}
