package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// DiagProtoID answers with a JSON snapshot of the node's connections.
const DiagProtoID = "/goopcall/diag/1.0.0"

func init() {
	// Dial failures and backoff errors go to stderr by default.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("net/identify", "error")
}

type Node struct {
	Host host.Host

	diagMu   sync.Mutex
	diagLogs []string
	diagMax  int

	startTime time.Time
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// New starts a libp2p host on listenPort (0 picks a free port) with the
// identity stored in keyFile.
func New(listenPort int, keyFile string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", keyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Host:      h,
		diagLogs:  make([]string, 0, 200),
		diagMax:   200,
		startTime: time.Now(),
	}
	h.SetStreamHandler(protocol.ID(DiagProtoID), func(s network.Stream) {
		defer s.Close()
		_ = json.NewEncoder(s).Encode(n.DiagSnapshot())
	})
	return n, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns dialable multiaddrs including the /p2p/<id> suffix.
func (n *Node) Addrs() []string {
	suffix, err := ma.NewMultiaddr("/p2p/" + n.ID())
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.Encapsulate(suffix).String())
	}
	return out
}

// LoopbackAddr returns the 127.0.0.1 address, if the host listens on one.
func (n *Node) LoopbackAddr() string {
	for _, a := range n.Addrs() {
		if strings.HasPrefix(a, "/ip4/127.0.0.1/") {
			return a
		}
	}
	return ""
}

// diag logs a message and keeps it for the diag protocol.
func (n *Node) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print("P2P: " + msg)

	entry := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg)
	n.diagMu.Lock()
	n.diagLogs = append(n.diagLogs, entry)
	if len(n.diagLogs) > n.diagMax {
		n.diagLogs = n.diagLogs[len(n.diagLogs)-n.diagMax:]
	}
	n.diagMu.Unlock()
}

// DiagSnapshot reports addresses, connected peers and recent relay-stream
// events.
func (n *Node) DiagSnapshot() map[string]any {
	now := time.Now()

	var addrs []string
	for _, a := range n.Host.Addrs() {
		addrs = append(addrs, a.String())
	}

	var conns []map[string]any
	for _, pid := range n.Host.Network().Peers() {
		for _, c := range n.Host.Network().ConnsToPeer(pid) {
			conns = append(conns, map[string]any{
				"peer_id": pid.String(),
				"addr":    c.RemoteMultiaddr().String(),
				"dir":     dirString(c.Stat().Direction),
				"age":     now.Sub(c.Stat().Opened).Truncate(time.Second).String(),
				"streams": len(c.GetStreams()),
			})
		}
	}

	n.diagMu.Lock()
	logs := make([]string, len(n.diagLogs))
	copy(logs, n.diagLogs)
	n.diagMu.Unlock()

	return map[string]any{
		"peer_id":  n.ID(),
		"protocol": proto.RelayProtoID,
		"addrs":    addrs,
		"conns":    conns,
		"uptime":   now.Sub(n.startTime).Truncate(time.Second).String(),
		"logs":     logs,
	}
}

func dirString(d network.Direction) string {
	switch d {
	case network.DirInbound:
		return "inbound"
	case network.DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// FetchDiag queries a connected peer's diag protocol.
func (n *Node) FetchDiag(ctx context.Context, addr string) (map[string]any, error) {
	info, err := addrInfo(addr)
	if err != nil {
		return nil, err
	}
	if err := n.Host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("connect %s: %w", info.ID, err)
	}
	s, err := n.Host.NewStream(ctx, info.ID, protocol.ID(DiagProtoID))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()
	var out map[string]any
	if err := json.NewDecoder(s).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode diag: %w", err)
	}
	return out, nil
}
