package routes

import "net/http"

// Log routes take ?subsystem= and ?call_id= filters, so a call screen can
// show just its own CALL/SIGNAL/RTC lines.
func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}
