package routes

import "net/http"

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"user_id": d.SelfID,
			"label":   safeCall(d.SelfLabel),
		})
	})

	if d.Devices != nil {
		handleGet(mux, "/api/devices", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Devices())
		})
	}
}
