package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
)

// profileLookupTimeout bounds the caller profile fetch for an incoming call.
const profileLookupTimeout = 3 * time.Second

// Responder answers incoming calls. *Manager implements it.
type Responder interface {
	Accept(ctx context.Context, callID string) (*Session, error)
	Decline(ctx context.Context, callID string) error
}

// IncomingCall is a call addressed to the local user, ready for the UI.
type IncomingCall struct {
	CallID    string           `json:"call_id"`
	Caller    proto.Profile    `json:"caller"`
	Status    proto.CallStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`

	responder Responder
}

// Accept answers the call.
func (c IncomingCall) Accept(ctx context.Context) (*Session, error) {
	return c.responder.Accept(ctx, c.CallID)
}

// Decline rejects the call.
func (c IncomingCall) Decline(ctx context.Context) error {
	return c.responder.Decline(ctx, c.CallID)
}

// IncomingListener watches call records addressed to one user.
type IncomingListener struct {
	relay     relay.Relay
	selfID    string
	responder Responder

	mu     sync.Mutex
	sub    *relay.Subscription
	seen   map[string]string // call id -> caller id
	done   chan struct{}
	cancel context.CancelFunc
}

func NewIncomingListener(r relay.Relay, selfID string, responder Responder) *IncomingListener {
	return &IncomingListener{
		relay:     r,
		selfID:    selfID,
		responder: responder,
		seen:      make(map[string]string),
	}
}

// Start subscribes to new calls for the local user. onIncoming fires once
// per new pending call; onCancelled fires when such a call ends before it
// was answered here. Either callback may be nil.
func (l *IncomingListener) Start(ctx context.Context, onIncoming func(IncomingCall), onCancelled func(callID, callerID string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return nil
	}

	sub, err := l.relay.Subscribe(ctx, l.filter())
	if err != nil {
		return relayErr("subscribe incoming", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	l.sub = sub
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(runCtx, sub, l.done, onIncoming, onCancelled)
	log.Printf("CALL: listening for incoming calls to %s", l.selfID)
	return nil
}

func (l *IncomingListener) run(ctx context.Context, sub *relay.Subscription, done chan struct{}, onIncoming func(IncomingCall), onCancelled func(string, string)) {
	defer close(done)
	for {
		l.consume(ctx, sub, onIncoming, onCancelled)
		if ctx.Err() != nil {
			return
		}
		log.Printf("CALL: incoming feed closed: %v", sub.Err())
		next, err := l.relay.Subscribe(ctx, l.filter())
		if err != nil {
			log.Printf("CALL: incoming calls to %s no longer watched: %v", l.selfID, err)
			return
		}
		l.mu.Lock()
		if l.sub == nil {
			// Stopped meanwhile.
			l.mu.Unlock()
			next.Close()
			return
		}
		l.sub = next
		l.mu.Unlock()
		sub = next
	}
}

func (l *IncomingListener) filter() proto.Filter {
	return proto.Filter{
		Table:  proto.TableCalls,
		Column: "receiver_id",
		Value:  l.selfID,
	}
}

func (l *IncomingListener) consume(ctx context.Context, sub *relay.Subscription, onIncoming func(IncomingCall), onCancelled func(string, string)) {
	for ch := range sub.C() {
		if ch.Call == nil {
			continue
		}
		rec := *ch.Call
		if rec.ReceiverID != l.selfID {
			continue
		}

		switch {
		case ch.Event == proto.EventInsert && rec.Status == proto.StatusPending:
			l.mu.Lock()
			_, dup := l.seen[rec.ID]
			l.seen[rec.ID] = rec.CallerID
			l.mu.Unlock()
			if dup {
				continue
			}
			ic := IncomingCall{
				CallID:    rec.ID,
				Caller:    l.lookupCaller(ctx, rec.CallerID),
				Status:    rec.Status,
				CreatedAt: rec.CreatedAt,
				responder: l.responder,
			}
			log.Printf("CALL [%s]: incoming from %s", short(rec.ID), rec.CallerID)
			if onIncoming != nil {
				onIncoming(ic)
			}

		case rec.Status.IsTerminal():
			l.mu.Lock()
			callerID, ok := l.seen[rec.ID]
			delete(l.seen, rec.ID)
			l.mu.Unlock()
			if ok && onCancelled != nil {
				onCancelled(rec.ID, callerID)
			}
		}
	}
}

// lookupCaller fetches the caller's profile, falling back to the bare id.
func (l *IncomingListener) lookupCaller(ctx context.Context, callerID string) proto.Profile {
	ctx, cancel := context.WithTimeout(ctx, profileLookupTimeout)
	defer cancel()
	p, err := l.relay.GetProfile(ctx, callerID)
	if err != nil {
		return proto.Profile{UserID: callerID, DisplayName: callerID}
	}
	if p.DisplayName == "" {
		p.DisplayName = callerID
	}
	return p
}

// Stop ends the subscription and waits for the callbacks to drain.
func (l *IncomingListener) Stop() {
	l.mu.Lock()
	sub, done, cancel := l.sub, l.done, l.cancel
	l.sub, l.done, l.cancel = nil, nil, nil
	l.mu.Unlock()
	if sub == nil {
		return
	}
	cancel()
	sub.Close()
	<-done
}

// Forget drops callID so its later end is not reported as a cancel.
func (l *IncomingListener) Forget(callID string) {
	l.mu.Lock()
	delete(l.seen, callID)
	l.mu.Unlock()
}
