package httpapi

import (
	"errors"
	"net/http"

	"github.com/fenestra/quotehub/internal/autopilot"
	"github.com/fenestra/quotehub/internal/identity"
)

// queueTaskHandler enqueues a generation job for autopilot dispatch. The
// caller needs the generate permission on their own account scope; job
// content lives entirely with the workers.
func queueTaskHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		token := tokenFromContext(r.Context())
		if token == nil {
			return unauthorized("Invalid or expired access token")
		}
		user := token.Session().User()

		if !user.HasPermissionFor(identity.PermGenerate, user) {
			return forbidden("Missing required permission").
				WithExtra("permission", string(identity.PermGenerate))
		}

		data, err := decodeJSON(r)
		if err != nil {
			return err
		}

		var id int
		if raw, present := data["task_id"]; present {
			f, ok := raw.(float64)
			if !ok || f != float64(int(f)) {
				return badRequest("Missing or invalid task_id")
			}
			id = int(f)
		} else {
			// No ID supplied: draw one from the shared generator.
			id, err = d.Store.NextID(r.Context())
			if err != nil {
				return err
			}
		}

		if err := d.Scheduler.QueueTask(id); err != nil {
			if errors.Is(err, autopilot.ErrDuplicateTask) {
				return conflict("Task is already queued").WithExtra("task_id", id)
			}
			return err
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Ok",
			"task_id": id,
			"queued":  d.Scheduler.QueueLen(),
		})
		return nil
	}
}
