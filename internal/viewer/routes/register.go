package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/avatar"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/presence"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID    string
	SelfLabel func() string

	Calls    *call.Manager
	Presence *presence.Tracker
	Logs     Logs
	Profiles *avatar.Resolver
	Devices  func() []media.Device

	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerSelfRoutes(mux, d)
	registerPresenceRoutes(mux, d)
	registerProfileRoutes(mux, d)
	RegisterCall(mux, d.Calls)
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
}
