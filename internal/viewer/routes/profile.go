package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/goopcall/internal/avatar"
)

func registerProfileRoutes(mux *http.ServeMux, d Deps) {
	if d.Profiles == nil {
		return
	}

	// GET /api/profile?user_id=...
	handleGet(mux, "/api/profile", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if id == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		p, err := d.Profiles.Lookup(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, p)
	})

	// GET /api/avatar?user_id=... redirects to the published avatar, or
	// draws initials when there is none.
	handleGet(mux, "/api/avatar", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if id == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		label := id
		if p, err := d.Profiles.Lookup(r.Context(), id); err == nil {
			if p.AvatarURL != "" {
				http.Redirect(w, r, p.AvatarURL, http.StatusFound)
				return
			}
			label = p.DisplayName
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(avatar.InitialsSVG(label, id))
	})
}
