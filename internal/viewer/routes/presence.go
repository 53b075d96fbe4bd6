package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/presence"
)

func registerPresenceRoutes(mux *http.ServeMux, d Deps) {
	if d.Presence == nil {
		return
	}
	t := d.Presence

	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"self":    d.SelfID,
			"visible": t.Visible(),
			"peers":   t.Snapshot(),
		})
	})

	// POST /api/presence/visibility: false behaves like the app going to
	// the background.
	handlePost(mux, "/api/presence/visibility", func(w http.ResponseWriter, r *http.Request, req struct {
		Visible bool `json:"visible"`
	}) {
		if err := t.SetVisible(r.Context(), req.Visible); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"visible": req.Visible})
	})

	// GET /api/presence/stream: SSE, full map first then updates.
	handleGet(mux, "/api/presence/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		events := make(chan presence.Event, 64)
		unsubscribe := t.Subscribe(func(e presence.Event) {
			select {
			case events <- e:
			default:
			}
		})
		defer unsubscribe()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-events:
				if writeSSE(w, e.Type, e) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
