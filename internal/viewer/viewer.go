// Package viewer is the local HTTP surface a UI drives calls through.
package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/avatar"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type Viewer struct {
	SelfID    string
	SelfLabel func() string

	Calls    *call.Manager
	Presence *presence.Tracker
	Logs     *LogBuffer
	Profiles *avatar.Resolver

	// Devices lists capture devices; nil hides /api/devices.
	Devices func() []media.Device
	Metrics http.Handler
}

// Handler builds the viewer's routes.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		SelfID:    v.SelfID,
		SelfLabel: v.SelfLabel,
		Calls:     v.Calls,
		Presence:  v.Presence,
		Profiles:  v.Profiles,
		Devices:   v.Devices,
		Metrics:   v.Metrics,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return apiHeaders(mux)
}

// Start serves the viewer on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: Handler(v), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Printf("VIEWER: listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
