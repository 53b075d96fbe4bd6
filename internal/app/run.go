package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/avatar"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

// shutdownTimeout bounds the offline write and hangups on exit.
const shutdownTimeout = 5 * time.Second

// RunRelay runs the relay rooted at dir until ctx is done.
func RunRelay(ctx context.Context, dir string) error {
	cfg, cfgPath, err := config.LoadDir(dir)
	if err != nil {
		return err
	}
	logBanner("relay", dir, cfgPath)

	dsn := cfg.Relay.DBDSN
	if cfg.Relay.DBDriver == storage.DriverSQLite {
		dsn = util.ResolvePath(dir, dsn)
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := storage.Open(ctx, cfg.Relay.DBDriver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	hub := relay.NewHub(db)
	defer hub.Close()

	ttl := time.Duration(cfg.Relay.PresenceTTLSec) * time.Second
	go hub.RunPresenceSweep(ctx, ttl, time.Duration(cfg.Relay.SweepSec)*time.Second)

	srv := relay.NewServer(hub, cfg.Relay.HTTPAddr)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("RELAY: peers connect to %s", srv.URL())
	log.Printf("RELAY: metrics at http://%s/metrics", srv.Addr())

	if cfg.Relay.P2PPort > 0 {
		node, err := p2p.New(cfg.Relay.P2PPort, util.ResolvePath(dir, cfg.Identity.KeyFile))
		if err != nil {
			return err
		}
		defer node.Close()
		node.ServeRelay(ctx, srv)
		srv.SetDiag(node.DiagSnapshot)
		for _, a := range node.Addrs() {
			log.Printf("RELAY: libp2p %s", a)
		}
	}
	log.Println("────────────────────────────────────────────────────────")

	<-ctx.Done()
	return nil
}

// RunPeer runs one user's call client rooted at dir until ctx is done or
// the relay connection drops.
func RunPeer(ctx context.Context, dir string) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg, cfgPath, err := config.LoadDir(dir)
	if err != nil {
		return err
	}
	if err := cfg.ValidatePeer(); err != nil {
		return err
	}
	logBanner("peer", dir, cfgPath)
	self := cfg.Identity.UserID

	rc, closeRelay, err := dialRelay(ctx, dir, cfg)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer closeRelay()

	var (
		mu    sync.Mutex
		label = displayName(cfg)
	)
	publishProfile := func(c config.Config) {
		pctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		defer cancel()
		p := proto.Profile{UserID: self, DisplayName: displayName(c), AvatarURL: c.Profile.AvatarURL}
		if err := rc.UpsertProfile(pctx, p); err != nil {
			log.Printf("RELAY: publish profile failed: %v", err)
		}
	}
	publishProfile(cfg)
	profiles := avatar.NewResolver(rc, avatar.DefaultTTL)

	tracker := presence.New(rc, time.Duration(cfg.Presence.HeartbeatSec)*time.Second)
	if err := tracker.Start(ctx, self); err != nil {
		return err
	}

	mgr := call.NewManager(call.Options{
		SelfID:      self,
		Relay:       rc,
		Signals:     signaling.New(rc, self).WithRetry(cfg.Call.AppendRetries, 0),
		Transports:  transportFactory(cfg.Call, mediaSource(cfg.Call.Media)),
		Presence:    tracker,
		Constraints: constraints(cfg.Call),
	})
	mgr.OnIncoming(func(ic call.IncomingCall) {
		log.Printf("CALL: %s (%s) is calling, call %s", ic.Caller.DisplayName, ic.Caller.UserID, ic.CallID)
	})
	if err := mgr.Listen(ctx); err != nil {
		mgr.Close()
		tracker.Stop(context.Background())
		return err
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mgr.Close()
		tracker.Stop(sctx)
	}()

	err = config.Watch(ctx, cfgPath, func(next config.Config) {
		mu.Lock()
		label = displayName(next)
		mu.Unlock()
		publishProfile(next)
		profiles.Invalidate(self)
		mgr.SetConstraints(constraints(next.Call))
		mgr.SetTransports(transportFactory(next.Call, mediaSource(next.Call.Media)))
	})
	if err != nil {
		log.Printf("CONFIG: live reload disabled: %v", err)
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				SelfID: self,
				SelfLabel: func() string {
					mu.Lock()
					defer mu.Unlock()
					return label
				},
				Calls:    mgr,
				Presence: tracker,
				Logs:     logBuf,
				Profiles: profiles,
				Devices:  media.Devices,
				Metrics:  peerMetrics(),
			})
			if err != nil {
				log.Printf("VIEWER: %v", err)
			}
		}()
		log.Printf("📞 Call viewer: %s", url)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-rc.Done():
		if err := rc.Err(); err != nil {
			return fmt.Errorf("relay connection lost: %w", err)
		}
		return errors.New("relay connection lost")
	}
}
