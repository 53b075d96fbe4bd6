// internal/app/helpers.go
package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/rtc"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

func logBanner(mode, dir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Printf("goopcall %s", mode)
	log.Printf(" Folder      : %s", dir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" This process represents ONE " + mode + ".")
	log.Println(" Different folder/config = different " + mode + ".")
	log.Println("────────────────────────────────────────")
}

// dialRelay connects to cfg.Relay.URL. A multiaddr needs a local libp2p
// node, which the returned cleanup closes with the client.
func dialRelay(ctx context.Context, dir string, cfg config.Config) (*relay.Client, func(), error) {
	dctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	if !strings.HasPrefix(cfg.Relay.URL, "/") {
		c, err := relay.DialWebSocket(dctx, cfg.Relay.URL)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}

	node, err := p2p.New(0, util.ResolvePath(dir, cfg.Identity.KeyFile))
	if err != nil {
		return nil, nil, err
	}
	c, err := node.DialRelay(dctx, cfg.Relay.URL)
	if err != nil {
		_ = node.Close()
		return nil, nil, err
	}
	log.Printf("RELAY: connected over libp2p as %s", node.ID())
	return c, func() {
		_ = c.Close()
		_ = node.Close()
	}, nil
}

// mediaSource picks the capture backend. Hardware problems fall back to
// generated tracks so the peer can still receive.
func mediaSource(kind string) media.Source {
	if kind == "static" {
		return media.StaticSource{}
	}
	src, err := media.NewDeviceSource()
	if err != nil {
		log.Printf("MEDIA: device capture unavailable, using static tracks: %v", err)
		return media.StaticSource{}
	}
	return src
}

func transportFactory(c config.Call, src media.Source) call.TransportFactory {
	return rtc.NewFactory(rtc.Config{
		ICEServers:          c.ICEServers,
		Source:              src,
		DisconnectedTimeout: time.Duration(c.ICEDisconnectedSec) * time.Second,
		FailedTimeout:       time.Duration(c.ICEFailedSec) * time.Second,
		OnRTP:               countRTP,
	}).New
}

func countRTP(_ string, t call.RemoteTrack, pkt *rtp.Packet) {
	kind := string(t.Kind)
	metrics.RTPPackets.WithLabelValues(kind).Inc()
	metrics.RTPBytes.WithLabelValues(kind).Add(float64(len(pkt.Payload)))
}

func peerMetrics() http.Handler {
	reg := prometheus.NewRegistry()
	metrics.MustRegisterPeer(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func constraints(c config.Call) call.Constraints {
	return call.Constraints{
		Audio:     c.Audio,
		Video:     c.Video,
		MaxWidth:  c.MaxWidth,
		MaxHeight: c.MaxHeight,
	}
}

func displayName(cfg config.Config) string {
	if cfg.Profile.Label != "" {
		return cfg.Profile.Label
	}
	return cfg.Identity.UserID
}
