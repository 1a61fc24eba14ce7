package controllers

import (
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/pkg/logging"
	"github.com/iota-uz/dashsync/pkg/middleware"
)

// LayoutEventsController upgrades watchers of a layout to a websocket that
// receives every committed change of that layout.
type LayoutEventsController struct {
	hub       *LayoutEventsHub
	upgrader  websocket.Upgrader
	log       *logrus.Entry
	apiPrefix string
}

// NewLayoutEventsController accepts browser connections from allowedOrigins
// only; "*" allows any origin. Requests without an Origin header are always
// accepted.
func NewLayoutEventsController(hub *LayoutEventsHub, allowedOrigins []string, log *logrus.Entry) *LayoutEventsController {
	if log == nil {
		log = logging.Nop()
	}
	origins := slices.Clone(allowedOrigins)
	return &LayoutEventsController{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
			},
		},
		log:       log,
		apiPrefix: "/layouts/api",
	}
}

func (c *LayoutEventsController) Key() string {
	return c.apiPrefix + "/events"
}

func (c *LayoutEventsController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.HandleFunc("/layouts/{layout}/events", c.Subscribe).Methods(http.MethodGet)
}

func (c *LayoutEventsController) Subscribe(w http.ResponseWriter, r *http.Request) {
	layoutID := mux.Vars(r)["layout"]
	log := middleware.Logger(r.Context(), c.log).WithField("layout_id", layoutID)

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("layout events upgrade failed")
		return
	}
	client := newEventsClient(c.hub, conn, layoutID)
	if !c.hub.join(r.Context(), client) {
		_ = conn.Close()
		return
	}
	log.Debug("layout events client connected")

	go client.writePump()
	client.readPump()
}
