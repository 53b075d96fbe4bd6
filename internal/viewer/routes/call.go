package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
)

type callIDReq struct {
	CallID string `json:"call_id"`
}

type toggleReq struct {
	CallID  string `json:"call_id"`
	Enabled bool   `json:"enabled"`
}

// RegisterCall registers the call API. callMgr may be nil; then only
// GET /api/call/sessions is served and it is always empty.
func RegisterCall(mux *http.ServeMux, callMgr *call.Manager) {
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		if callMgr == nil {
			writeJSON(w, []call.SessionInfo{})
			return
		}
		writeJSON(w, callMgr.Sessions())
	})

	if callMgr == nil {
		return
	}

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ReceiverID string `json:"receiver_id"`
	}) {
		if req.ReceiverID == "" {
			http.Error(w, "missing receiver_id", http.StatusBadRequest)
			return
		}
		s, err := callMgr.StartCall(r.Context(), req.ReceiverID)
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, s.Info())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req callIDReq) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		s, err := callMgr.Accept(r.Context(), req.CallID)
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, s.Info())
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req callIDReq) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := callMgr.Decline(r.Context(), req.CallID); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req callIDReq) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := callMgr.Hangup(r.Context(), req.CallID); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended", "call_id": req.CallID})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req toggleReq) {
		if err := callMgr.ToggleAudio(req.CallID, req.Enabled); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"audio_enabled": req.Enabled})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req toggleReq) {
		if err := callMgr.ToggleVideo(req.CallID, req.Enabled); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video_enabled": req.Enabled})
	})

	// GET /api/call/events: SSE of every call notice. Each connection has its
	// own subscription, released on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		notes, cancel := callMgr.Subscribe()
		defer cancel()

		_ = writeSSE(w, "connected", map[string]string{"status": "ok"})
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case n, ok := <-notes:
				if !ok {
					return
				}
				if writeSSE(w, n.Type, n) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
