// Package relay is the append-and-notify service the two call participants
// coordinate through. The Hub is the in-process implementation backed by
// storage; the Client speaks the same Relay interface over one websocket
// or libp2p stream to a remote Server.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Relay is the full surface peers need from the push relay.
type Relay interface {
	CreateCall(ctx context.Context, callerID, receiverID string) (proto.CallSession, error)
	GetCall(ctx context.Context, id string) (proto.CallSession, error)
	// UpdateCallStatus is last-write-wins; there is no version check.
	UpdateCallStatus(ctx context.Context, id string, status proto.CallStatus) (proto.CallSession, error)
	MarkCallAccepted(ctx context.Context, id string) (proto.CallSession, error)

	AppendSignal(ctx context.Context, m proto.SignalMessage) (proto.SignalMessage, error)
	ListSignals(ctx context.Context, callID string) ([]proto.SignalMessage, error)

	UpsertPresence(ctx context.Context, p proto.PresenceRecord) error
	ListPresence(ctx context.Context) ([]proto.PresenceRecord, error)

	UpsertProfile(ctx context.Context, p proto.Profile) error
	GetProfile(ctx context.Context, userID string) (proto.Profile, error)

	// Subscribe delivers every change matching f committed after the call
	// returns, in commit order.
	Subscribe(ctx context.Context, f proto.Filter) (*Subscription, error)
}

// Error is a relay failure. Temporary errors (connection loss, timeouts)
// are worth retrying; the rest are not.
type Error struct {
	Op        string
	Msg       string
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return "relay " + e.Op + ": " + e.Msg
	}
	return "relay: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is wrapped by errors for missing call records and profiles.
var ErrNotFound = errors.New("not found")

// ErrClosed is wrapped by errors from a client whose connection is gone.
var ErrClosed = errors.New("relay connection closed")

// ErrOverflow ends a subscription whose consumer fell too far behind. The
// feed is closed rather than thinned, so the consumer knows to reopen it.
var ErrOverflow = errors.New("relay subscriber fell behind")

// IsTemporary reports whether err is a retryable relay error.
func IsTemporary(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Temporary
}

// Subscription is a live change feed. Close is idempotent.
type Subscription struct {
	id     string
	filter proto.Filter
	ch     chan proto.Change

	once    sync.Once
	release func()

	errMu sync.Mutex
	err   error
}

func newSubscription(id string, f proto.Filter, buf int, release func()) *Subscription {
	return &Subscription{id: id, filter: f, ch: make(chan proto.Change, buf), release: release}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C yields matching changes. It is closed after Close or when the
// underlying connection drops.
func (s *Subscription) C() <-chan proto.Change { return s.ch }

// Err reports why C was closed: nil after Close, ErrOverflow when the
// consumer fell behind, or the connection error.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// fail records err as the reason the feed ends. The owner closes ch after.
func (s *Subscription) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close releases the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
