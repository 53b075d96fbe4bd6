package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/relay"
)

// maxBody caps JSON request bodies.
const maxBody = 64 << 10

func safeCall(fn func() string) string {
	if fn == nil {
		return ""
	}
	return fn()
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into T before calling fn. Only local
// callers may change state.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// callError writes err with a status matching its kind and the short
// message a UI should show.
func callError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		me *call.MediaAcquisitionError
		ne *call.NegotiationError
		re *call.RelayError
	)
	switch {
	case errors.Is(err, call.ErrUnknownCall), errors.Is(err, relay.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrPeerOffline), errors.Is(err, call.ErrCallOver):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNotReceiver):
		status = http.StatusForbidden
	case errors.As(err, &me):
		status = http.StatusFailedDependency
	case errors.As(err, &ne):
		status = http.StatusConflict
	case errors.As(err, &re):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   err.Error(),
		"message": call.UserMessage(err),
	})
}
