// Package signaling is the signal relay client: it appends negotiation
// messages for a call and delivers the peer's messages for that call to
// per-type handlers. Messages sent by the local user are dropped here, at
// the subscription boundary, and nowhere else.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/sethvargo/go-retry"
)

// Handlers maps a signal type to the callback for rows of that type.
// Callbacks run one at a time, in relay delivery order.
type Handlers map[proto.SignalType]func(proto.SignalMessage)

type Client struct {
	relay  relay.Relay
	selfID string

	retries uint64
	backoff time.Duration
}

// New returns a signaling client for selfID.
func New(r relay.Relay, selfID string) *Client {
	return &Client{relay: r, selfID: selfID, retries: 4, backoff: 200 * time.Millisecond}
}

// WithRetry sets the attempt budget and base delay used by AppendRetry.
func (c *Client) WithRetry(retries int, base time.Duration) *Client {
	if retries >= 0 {
		c.retries = uint64(retries)
	}
	if base > 0 {
		c.backoff = base
	}
	return c
}

func (c *Client) SelfID() string { return c.selfID }

// Append writes one signaling row. data is marshalled as signal_data; nil
// becomes {}.
func (c *Client) Append(ctx context.Context, callID string, typ proto.SignalType, data any) (proto.SignalMessage, error) {
	raw, err := encode(data)
	if err != nil {
		return proto.SignalMessage{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return c.relay.AppendSignal(ctx, proto.SignalMessage{
		CallID:   callID,
		SenderID: c.selfID,
		Type:     typ,
		Data:     raw,
	})
}

// AppendRetry is Append with bounded exponential backoff on temporary
// relay errors. Other errors return immediately.
func (c *Client) AppendRetry(ctx context.Context, callID string, typ proto.SignalType, data any) (proto.SignalMessage, error) {
	raw, err := encode(data)
	if err != nil {
		return proto.SignalMessage{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	// One id for every attempt, so a write that landed before its reply was
	// lost is not stored twice.
	msg := proto.SignalMessage{
		ID:       newMessageID(),
		CallID:   callID,
		SenderID: c.selfID,
		Type:     typ,
		Data:     raw,
	}

	var out proto.SignalMessage
	attempt := 0
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		stored, err := c.relay.AppendSignal(ctx, msg)
		if err == nil {
			out = stored
			return nil
		}
		if relay.IsTemporary(err) {
			log.Printf("SIGNAL [%s]: append %s attempt %d failed: %v", short(callID), typ, attempt, err)
			return retry.RetryableError(err)
		}
		return err
	})
	return out, err
}

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	}
	return json.Marshal(data)
}

// SubscribeOptions tunes Subscribe.
type SubscribeOptions struct {
	// Replay delivers rows already stored for the call before live ones.
	Replay bool
	// OnLost is called once if the relay feed ends and cannot be reopened.
	// No handler runs after it.
	OnLost func(error)
}

// Subscription is a live signaling feed for one call.
type Subscription struct {
	c      *Client
	ctx    context.Context
	callID string

	mu  sync.Mutex
	sub *relay.Subscription

	once    sync.Once
	stopped chan struct{}
	done    chan struct{}
}

func signalFilter(callID string) proto.Filter {
	return proto.Filter{
		Table:  proto.TableSignals,
		Event:  proto.EventInsert,
		Column: "call_id",
		Value:  callID,
	}
}

// Subscribe starts delivering the peer's messages for callID to h. A feed
// the relay cuts is reopened with a replay; rows already delivered are
// skipped by id.
func (c *Client) Subscribe(ctx context.Context, callID string, h Handlers, opts SubscribeOptions) (*Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, signalFilter(callID))
	if err != nil {
		return nil, err
	}

	var history []proto.SignalMessage
	if opts.Replay {
		history, err = c.relay.ListSignals(ctx, callID)
		if err != nil {
			sub.Close()
			return nil, err
		}
	}

	s := &Subscription{
		c:       c,
		ctx:     ctx,
		callID:  callID,
		sub:     sub,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(h, opts.OnLost, history)
	return s, nil
}

func (s *Subscription) current() *relay.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *Subscription) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *Subscription) run(h Handlers, onLost func(error), history []proto.SignalMessage) {
	defer close(s.done)
	seen := make(map[string]struct{})
	selfID := s.c.selfID

	deliver := func(m proto.SignalMessage) {
		if m.SenderID == selfID {
			return
		}
		if _, dup := seen[m.ID]; dup && m.ID != "" {
			return
		}
		seen[m.ID] = struct{}{}
		if s.isStopped() {
			return
		}
		fn := h[m.Type]
		if fn == nil {
			return
		}
		fn(m)
	}

	for _, m := range history {
		deliver(m)
	}
	for {
		sub := s.current()
		select {
		case <-s.stopped:
			return
		case ch, ok := <-sub.C():
			if !ok {
				if s.isStopped() {
					return
				}
				log.Printf("SIGNAL [%s]: relay feed closed: %v", short(s.callID), sub.Err())
				history, err := s.reopen()
				if err != nil {
					log.Printf("SIGNAL [%s]: reopen failed: %v", short(s.callID), err)
					if onLost != nil && !s.isStopped() {
						onLost(err)
					}
					return
				}
				for _, m := range history {
					deliver(m)
				}
				continue
			}
			if ch.Signal != nil {
				deliver(*ch.Signal)
			}
		}
	}
}

// reopen subscribes again and returns the stored rows to replay.
func (s *Subscription) reopen() ([]proto.SignalMessage, error) {
	sub, err := s.c.relay.Subscribe(s.ctx, signalFilter(s.callID))
	if err != nil {
		return nil, err
	}
	history, err := s.c.relay.ListSignals(s.ctx, s.callID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isStopped() {
		sub.Close()
		return nil, nil
	}
	s.sub = sub
	return history, nil
}

// Done is closed once no more handlers will be invoked.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe releases the feed. Safe to call any number of times, on a nil
// subscription, and from inside a handler.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.mu.Lock()
		close(s.stopped)
		sub := s.sub
		s.mu.Unlock()
		sub.Close()
	})
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
