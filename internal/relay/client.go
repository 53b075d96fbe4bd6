package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/proto"
)

// defaultCallTimeout bounds a request when ctx carries no deadline.
const defaultCallTimeout = 15 * time.Second

// Client is a Relay backed by a remote Server over one FrameConn.
type Client struct {
	conn FrameConn

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan proto.Frame

	subMu sync.RWMutex
	subs  map[string]*Subscription

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ Relay = (*Client)(nil)

// DialWebSocket connects to a relay server's /ws endpoint.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &Error{Op: "dial", Msg: err.Error(), Temporary: true, Err: err}
	}
	return NewClient(conn), nil
}

// NewClient starts reading frames from conn. The client owns conn.
func NewClient(conn FrameConn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan proto.Frame),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, after Done is closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close shuts the connection down. Idempotent.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		_ = c.conn.Close()
		close(c.done)

		c.subMu.Lock()
		for id, s := range c.subs {
			delete(c.subs, id)
			s.fail(err)
			close(s.ch)
		}
		c.subMu.Unlock()
	})
}

func (c *Client) readLoop() {
	for {
		var f proto.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !isClosedConn(err) {
				log.Printf("RELAY: client read: %v", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		switch {
		case f.Sub != "" && f.Ended:
			c.endSub(f.Sub, &Error{Op: proto.OpSubscribe, Msg: f.Error, Temporary: true, Err: ErrOverflow}, false)
		case f.Sub != "" && f.Change != nil:
			c.route(f.Sub, *f.Change)
		case f.Reply != "":
			c.pendMu.Lock()
			ch, ok := c.pending[f.Reply]
			delete(c.pending, f.Reply)
			c.pendMu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (c *Client) route(subID string, ch proto.Change) {
	c.subMu.RLock()
	s, ok := c.subs[subID]
	if !ok {
		c.subMu.RUnlock()
		return
	}
	select {
	case s.ch <- ch:
		c.subMu.RUnlock()
		return
	default:
	}
	c.subMu.RUnlock()
	log.Printf("RELAY: client subscription %s full at %s %s, closing feed", short(subID), ch.Table, ch.Event)
	c.endSub(subID, ErrOverflow, true)
}

// endSub closes a feed the client did not ask to close. tellServer drops
// the server side too, for overflows noticed locally.
func (c *Client) endSub(subID string, err error, tellServer bool) {
	c.subMu.Lock()
	s, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
		s.fail(err)
		close(s.ch)
	}
	c.subMu.Unlock()
	if !ok || !tellServer {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.call(ctx, proto.OpUnsubscribe, proto.UnsubscribeArgs{Sub: subID}, nil)
	}()
}

// call sends op and waits for its reply, decoding the result into out.
func (c *Client) call(ctx context.Context, op string, args, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return &Error{Op: op, Msg: err.Error(), Err: err}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	replyCh := make(chan proto.Frame, 1)
	c.pendMu.Lock()
	c.pending[id] = replyCh
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	select {
	case <-c.done:
		return &Error{Op: op, Msg: "connection closed", Temporary: true, Err: ErrClosed}
	default:
	}

	c.writeMu.Lock()
	err = c.conn.WriteJSON(proto.Request{ID: id, Op: op, Args: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
		return &Error{Op: op, Msg: err.Error(), Temporary: true, Err: ErrClosed}
	}

	select {
	case f := <-replyCh:
		if !f.OK {
			e := &Error{Op: op, Msg: f.Error, Temporary: f.Temporary}
			if f.Code == proto.CodeNotFound {
				e.Err = ErrNotFound
			}
			return e
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return &Error{Op: op, Msg: "decode result: " + err.Error(), Err: err}
			}
		}
		return nil
	case <-c.done:
		return &Error{Op: op, Msg: "connection closed", Temporary: true, Err: ErrClosed}
	case <-ctx.Done():
		return &Error{Op: op, Msg: ctx.Err().Error(), Temporary: true, Err: ctx.Err()}
	}
}

func (c *Client) CreateCall(ctx context.Context, callerID, receiverID string) (proto.CallSession, error) {
	var out proto.CallSession
	err := c.call(ctx, proto.OpCreateCall, proto.CreateCallArgs{CallerID: callerID, ReceiverID: receiverID}, &out)
	return out, err
}

func (c *Client) GetCall(ctx context.Context, id string) (proto.CallSession, error) {
	var out proto.CallSession
	err := c.call(ctx, proto.OpGetCall, proto.IDArgs{ID: id}, &out)
	return out, err
}

func (c *Client) UpdateCallStatus(ctx context.Context, id string, status proto.CallStatus) (proto.CallSession, error) {
	var out proto.CallSession
	err := c.call(ctx, proto.OpUpdateCallStatus, proto.UpdateCallStatusArgs{ID: id, Status: status}, &out)
	return out, err
}

func (c *Client) MarkCallAccepted(ctx context.Context, id string) (proto.CallSession, error) {
	var out proto.CallSession
	err := c.call(ctx, proto.OpMarkAccepted, proto.IDArgs{ID: id}, &out)
	return out, err
}

func (c *Client) AppendSignal(ctx context.Context, m proto.SignalMessage) (proto.SignalMessage, error) {
	var out proto.SignalMessage
	err := c.call(ctx, proto.OpAppendSignal, m, &out)
	return out, err
}

func (c *Client) ListSignals(ctx context.Context, callID string) ([]proto.SignalMessage, error) {
	var out []proto.SignalMessage
	err := c.call(ctx, proto.OpListSignals, proto.IDArgs{ID: callID}, &out)
	return out, err
}

func (c *Client) UpsertPresence(ctx context.Context, p proto.PresenceRecord) error {
	return c.call(ctx, proto.OpUpsertPresence, p, nil)
}

func (c *Client) ListPresence(ctx context.Context) ([]proto.PresenceRecord, error) {
	var out []proto.PresenceRecord
	err := c.call(ctx, proto.OpListPresence, struct{}{}, &out)
	return out, err
}

func (c *Client) UpsertProfile(ctx context.Context, p proto.Profile) error {
	return c.call(ctx, proto.OpUpsertProfile, p, nil)
}

func (c *Client) GetProfile(ctx context.Context, userID string) (proto.Profile, error) {
	var out proto.Profile
	err := c.call(ctx, proto.OpGetProfile, proto.IDArgs{ID: userID}, &out)
	return out, err
}

// Subscribe registers the feed locally before asking the server, so pushes
// that race the reply are not lost.
func (c *Client) Subscribe(ctx context.Context, f proto.Filter) (*Subscription, error) {
	id := uuid.NewString()
	var s *Subscription
	s = newSubscription(id, f, subBuffer, func() {
		c.subMu.Lock()
		_, ok := c.subs[id]
		if ok {
			delete(c.subs, id)
			close(s.ch)
		}
		c.subMu.Unlock()
		if !ok {
			return
		}
		select {
		case <-c.done:
		default:
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = c.call(ctx, proto.OpUnsubscribe, proto.UnsubscribeArgs{Sub: id}, nil)
			}()
		}
	})

	c.subMu.Lock()
	select {
	case <-c.done:
		c.subMu.Unlock()
		return nil, &Error{Op: proto.OpSubscribe, Msg: "connection closed", Temporary: true, Err: ErrClosed}
	default:
	}
	c.subs[id] = s
	c.subMu.Unlock()

	if err := c.call(ctx, proto.OpSubscribe, proto.SubscribeArgs{Sub: id, Filter: f}, nil); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
