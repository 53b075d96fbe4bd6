package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

// subBuffer is the per-subscriber backlog before the feed is cut.
const subBuffer = 256

// Hub is the in-process relay: durable writes to storage followed by
// fan-out to every subscription whose filter matches.
type Hub struct {
	db  *storage.DB
	now func() time.Time

	// writeMu orders notifications by commit.
	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]*hubSub
}

type hubSub struct {
	sub    *Subscription
	closed bool
}

// NewHub creates a relay hub on top of db.
func NewHub(db *storage.DB) *Hub {
	return &Hub{
		db:   db,
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		subs: make(map[string]*hubSub),
	}
}

var _ Relay = (*Hub)(nil)

func storageErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &Error{Op: op, Msg: "not found", Err: ErrNotFound}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Op: op, Msg: err.Error(), Temporary: true, Err: err}
	}
	return &Error{Op: op, Msg: err.Error(), Err: err}
}

func (h *Hub) CreateCall(ctx context.Context, callerID, receiverID string) (proto.CallSession, error) {
	if callerID == "" || receiverID == "" {
		return proto.CallSession{}, &Error{Op: proto.OpCreateCall, Msg: "caller_id and receiver_id are required"}
	}
	if callerID == receiverID {
		return proto.CallSession{}, &Error{Op: proto.OpCreateCall, Msg: "cannot call yourself"}
	}
	c := proto.CallSession{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     proto.StatusPending,
		CreatedAt:  h.now(),
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.db.InsertCall(ctx, c); err != nil {
		return proto.CallSession{}, storageErr(proto.OpCreateCall, err)
	}
	metrics.CallsCreated.Inc()
	h.notify(proto.Change{Table: proto.TableCalls, Event: proto.EventInsert, Call: &c})
	return c, nil
}

func (h *Hub) GetCall(ctx context.Context, id string) (proto.CallSession, error) {
	c, err := h.db.GetCall(ctx, id)
	if err != nil {
		return proto.CallSession{}, storageErr(proto.OpGetCall, err)
	}
	return c, nil
}

func (h *Hub) UpdateCallStatus(ctx context.Context, id string, status proto.CallStatus) (proto.CallSession, error) {
	if !status.Valid() {
		return proto.CallSession{}, &Error{Op: proto.OpUpdateCallStatus, Msg: fmt.Sprintf("invalid status %q", status)}
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	c, err := h.db.UpdateCallStatus(ctx, id, status, h.now())
	if err != nil {
		return proto.CallSession{}, storageErr(proto.OpUpdateCallStatus, err)
	}
	metrics.CallStatusWrites.WithLabelValues(string(status)).Inc()
	h.notify(proto.Change{Table: proto.TableCalls, Event: proto.EventUpdate, Call: &c})
	return c, nil
}

func (h *Hub) MarkCallAccepted(ctx context.Context, id string) (proto.CallSession, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	c, err := h.db.MarkCallAccepted(ctx, id, h.now())
	if err != nil {
		return proto.CallSession{}, storageErr(proto.OpMarkAccepted, err)
	}
	h.notify(proto.Change{Table: proto.TableCalls, Event: proto.EventUpdate, Call: &c})
	return c, nil
}

func (h *Hub) AppendSignal(ctx context.Context, m proto.SignalMessage) (proto.SignalMessage, error) {
	if m.CallID == "" || m.SenderID == "" {
		return proto.SignalMessage{}, &Error{Op: proto.OpAppendSignal, Msg: "call_id and sender_id are required"}
	}
	if !m.Type.Valid() {
		return proto.SignalMessage{}, &Error{Op: proto.OpAppendSignal, Msg: fmt.Sprintf("invalid signal_type %q", m.Type)}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = h.now()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	stored, created, err := h.db.InsertSignal(ctx, m)
	if err != nil {
		return proto.SignalMessage{}, storageErr(proto.OpAppendSignal, err)
	}
	if !created {
		// A retried append; the first attempt already notified.
		return stored, nil
	}
	metrics.SignalsAppended.WithLabelValues(string(stored.Type)).Inc()
	h.notify(proto.Change{Table: proto.TableSignals, Event: proto.EventInsert, Signal: &stored})
	return stored, nil
}

func (h *Hub) ListSignals(ctx context.Context, callID string) ([]proto.SignalMessage, error) {
	out, err := h.db.ListSignals(ctx, callID)
	if err != nil {
		return nil, storageErr(proto.OpListSignals, err)
	}
	return out, nil
}

func (h *Hub) UpsertPresence(ctx context.Context, p proto.PresenceRecord) error {
	if p.UserID == "" {
		return &Error{Op: proto.OpUpsertPresence, Msg: "user_id is required"}
	}
	now := h.now()
	p.UpdatedAt = now
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.db.UpsertPresence(ctx, p); err != nil {
		return storageErr(proto.OpUpsertPresence, err)
	}
	state := "offline"
	if p.IsOnline {
		state = "online"
	}
	metrics.PresenceWrites.WithLabelValues(state).Inc()
	h.notify(proto.Change{Table: proto.TablePresence, Event: proto.EventUpdate, Presence: &p})
	return nil
}

func (h *Hub) ListPresence(ctx context.Context) ([]proto.PresenceRecord, error) {
	out, err := h.db.ListPresence(ctx)
	if err != nil {
		return nil, storageErr(proto.OpListPresence, err)
	}
	return out, nil
}

func (h *Hub) UpsertProfile(ctx context.Context, p proto.Profile) error {
	if p.UserID == "" {
		return &Error{Op: proto.OpUpsertProfile, Msg: "user_id is required"}
	}
	if err := h.db.UpsertProfile(ctx, p); err != nil {
		return storageErr(proto.OpUpsertProfile, err)
	}
	return nil
}

func (h *Hub) GetProfile(ctx context.Context, userID string) (proto.Profile, error) {
	p, err := h.db.GetProfile(ctx, userID)
	if err != nil {
		return proto.Profile{}, storageErr(proto.OpGetProfile, err)
	}
	return p, nil
}

// Subscribe registers a change feed. The feed is not closed by ctx; callers
// release it with Close.
func (h *Hub) Subscribe(_ context.Context, f proto.Filter) (*Subscription, error) {
	return h.subscribe(uuid.NewString(), f)
}

func (h *Hub) subscribe(id string, f proto.Filter) (*Subscription, error) {
	switch f.Table {
	case proto.TableCalls, proto.TableSignals, proto.TablePresence:
	default:
		return nil, &Error{Op: proto.OpSubscribe, Msg: fmt.Sprintf("unknown table %q", f.Table)}
	}

	hs := &hubSub{}
	hs.sub = newSubscription(id, f, subBuffer, func() { h.unsubscribe(id) })

	h.subMu.Lock()
	if _, dup := h.subs[id]; dup {
		h.subMu.Unlock()
		return nil, &Error{Op: proto.OpSubscribe, Msg: "duplicate subscription id"}
	}
	h.subs[id] = hs
	h.subMu.Unlock()

	metrics.RelaySubscriptions.Inc()
	return hs.sub, nil
}

func (h *Hub) unsubscribe(id string) {
	h.subMu.Lock()
	hs, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		hs.closed = true
		close(hs.sub.ch)
	}
	h.subMu.Unlock()
	if ok {
		metrics.RelaySubscriptions.Dec()
	}
}

// notify fans c out without blocking the writer. A subscriber with a full
// buffer is closed with ErrOverflow. Called with writeMu held.
func (h *Hub) notify(c proto.Change) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for id, hs := range h.subs {
		if hs.closed || !hs.sub.filter.Match(c) {
			continue
		}
		select {
		case hs.sub.ch <- c:
		default:
			metrics.RelayDropped.WithLabelValues(c.Table).Inc()
			metrics.RelaySubscriptions.Dec()
			log.Printf("RELAY: subscriber %s full at %s %s, closing feed", short(id), c.Table, c.Event)
			delete(h.subs, id)
			hs.closed = true
			hs.sub.fail(ErrOverflow)
			close(hs.sub.ch)
		}
	}
}

// Close releases every subscription.
func (h *Hub) Close() {
	h.subMu.Lock()
	subs := h.subs
	h.subs = make(map[string]*hubSub)
	for _, hs := range subs {
		hs.closed = true
		close(hs.sub.ch)
	}
	h.subMu.Unlock()
	metrics.RelaySubscriptions.Sub(float64(len(subs)))
}

// RunPresenceSweep flips presence rows not refreshed within ttl to offline,
// every interval, until ctx is done.
func (h *Hub) RunPresenceSweep(ctx context.Context, ttl, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.SweepPresence(ctx, ttl)
		}
	}
}

// SweepPresence runs one staleness pass and returns the number of rows flipped.
func (h *Hub) SweepPresence(ctx context.Context, ttl time.Duration) int {
	now := h.now()
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	stale, err := h.db.MarkStalePresenceOffline(ctx, now.Add(-ttl), now)
	if err != nil {
		log.Printf("RELAY: presence sweep failed: %v", err)
		return 0
	}
	for i := range stale {
		p := stale[i]
		metrics.PresenceExpired.Inc()
		h.notify(proto.Change{Table: proto.TablePresence, Event: proto.EventUpdate, Presence: &p})
	}
	if len(stale) > 0 {
		log.Printf("RELAY: presence sweep marked %d user(s) offline", len(stale))
	}
	return len(stale)
}
