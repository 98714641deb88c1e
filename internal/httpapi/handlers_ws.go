package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/fenestra/quotehub/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Credential validation already happened in the middleware chain;
	// browser origin policy is not part of the token model.
	CheckOrigin: func(*http.Request) bool { return true },
}

// parseEnvelope validates the common message shape: a "type" field that
// must exist, be a string, and name a known message type.
func parseEnvelope(msg map[string]any, known ...string) (string, error) {
	raw, ok := msg["type"]
	if !ok {
		return "", ws.MissingField("type")
	}
	typ, ok := raw.(string)
	if !ok {
		return "", ws.InvalidType("type")
	}
	for _, k := range known {
		if typ == k {
			return typ, nil
		}
	}
	return "", ws.InvalidValue("type")
}

// taskID extracts a message's integer task_id field.
func taskID(msg map[string]any) (int, error) {
	raw, ok := msg["task_id"]
	if !ok {
		return 0, ws.MissingField("task_id")
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) {
		return 0, ws.InvalidType("task_id")
	}
	return int(f), nil
}

// serveSocket runs the shared upgrade path: reject a second connection on
// the same token with 409, upgrade, attach to the session, and hand the
// read loop to ws.Conn. onOpen/onClose bracket the connection's lifetime
// for the autopilot registry.
func serveSocket(d Dependencies, w http.ResponseWriter, r *http.Request,
	makeHandler func(c *ws.Conn) ws.Handler, onOpen, onClose func(c *ws.Conn)) error {

	token := tokenFromContext(r.Context())
	if token == nil {
		return unauthorized("Invalid or expired access token")
	}
	sess := token.Session()

	if sess.ConnByToken(token.ID()) != nil {
		return conflict("Already connected")
	}

	wsc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		return nil
	}

	conn := ws.NewConn(wsc, d.WSOptions, slog.Default())
	if !sess.AttachConn(token.ID(), conn) {
		// Lost a race against another upgrade on the same token.
		_ = conn.CloseExpired()
		return nil
	}

	slog.Info("websocket opened",
		slog.String("user", sess.User().String()), slog.String("token_id", token.ID()))
	if d.Metrics != nil {
		d.Metrics.WSConnections.Inc()
	}
	if onOpen != nil {
		onOpen(conn)
	}

	detach := func() {
		sess.DetachConn(token.ID())
		if onClose != nil {
			onClose(conn)
		}
		if d.Metrics != nil {
			d.Metrics.WSConnections.Dec()
		}
	}

	conn.Serve(r.Context(), makeHandler(conn), detach)
	return nil
}

// userSocketHandler serves GET /ws/user. Operators hold the connection
// open for server pushes; the only inbound message is a ping.
func userSocketHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		return serveSocket(d, w, r, func(c *ws.Conn) ws.Handler {
			return ws.HandlerFunc(func(_ context.Context, msg map[string]any) error {
				if _, err := parseEnvelope(msg, "ping"); err != nil {
					return err
				}
				return c.SendJSON(map[string]any{"type": "pong"})
			})
		}, nil, nil)
	}
}

// autopilotSocketHandler serves GET /ws/autopilot. Connecting registers
// the worker with the scheduler; disconnecting drops it (re-queueing any
// in-flight task). Workers acknowledge jobs with task_done messages.
func autopilotSocketHandler(d Dependencies) handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		token := tokenFromContext(r.Context())
		if token == nil {
			return unauthorized("Invalid or expired access token")
		}
		name := token.Session().User().String()

		return serveSocket(d, w, r,
			func(c *ws.Conn) ws.Handler {
				return ws.HandlerFunc(func(_ context.Context, msg map[string]any) error {
					if _, err := parseEnvelope(msg, "task_done"); err != nil {
						return err
					}
					id, err := taskID(msg)
					if err != nil {
						return err
					}
					if err := d.Scheduler.TaskDone(token.ID(), id); err != nil {
						return ws.InvalidValue("task_id")
					}
					return nil
				})
			},
			func(c *ws.Conn) { d.Scheduler.Connect(token.ID(), name, c) },
			func(*ws.Conn) { d.Scheduler.Disconnect(token.ID()) },
		)
	}
}
