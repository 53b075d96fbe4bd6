package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// streamConn carries newline-delimited JSON relay frames over one stream.
type streamConn struct {
	s   network.Stream
	dec *json.Decoder

	wmu sync.Mutex
	enc *json.Encoder
}

var _ relay.FrameConn = (*streamConn)(nil)

func newStreamConn(s network.Stream) *streamConn {
	return &streamConn{
		s:   s,
		dec: json.NewDecoder(bufio.NewReader(s)),
		enc: json.NewEncoder(s),
	}
}

func (c *streamConn) ReadJSON(v any) error { return c.dec.Decode(v) }

// WriteJSON encodes v followed by a newline.
func (c *streamConn) WriteJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(v)
}

func (c *streamConn) Close() error { return c.s.Close() }

// ServeRelay exposes srv on the relay protocol until ctx is done.
func (n *Node) ServeRelay(ctx context.Context, srv *relay.Server) {
	n.Host.SetStreamHandler(protocol.ID(proto.RelayProtoID), func(s network.Stream) {
		remote := s.Conn().RemotePeer().String()
		n.diag("relay stream opened by %s", remote)
		srv.ServeConn(ctx, newStreamConn(s), "p2p", remote)
		n.diag("relay stream from %s closed", remote)
	})
	go func() {
		<-ctx.Done()
		n.Host.RemoveStreamHandler(protocol.ID(proto.RelayProtoID))
	}()
}

// DialRelay connects to a relay node at addr (a multiaddr ending in
// /p2p/<id>) and returns a relay client over one stream.
func (n *Node) DialRelay(ctx context.Context, addr string) (*relay.Client, error) {
	info, err := addrInfo(addr)
	if err != nil {
		return nil, err
	}
	if err := n.Host.Connect(ctx, *info); err != nil {
		return nil, &relay.Error{Op: "dial", Msg: fmt.Sprintf("connect %s: %v", info.ID, err), Temporary: true, Err: err}
	}
	s, err := n.Host.NewStream(ctx, info.ID, protocol.ID(proto.RelayProtoID))
	if err != nil {
		return nil, &relay.Error{Op: "dial", Msg: "open stream: " + err.Error(), Temporary: true, Err: err}
	}
	n.diag("relay stream to %s opened", info.ID)
	return relay.NewClient(newStreamConn(s)), nil
}

func addrInfo(addr string) (*peer.AddrInfo, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return nil, fmt.Errorf("multiaddr %q has no peer id: %w", addr, err)
	}
	return info, nil
}
