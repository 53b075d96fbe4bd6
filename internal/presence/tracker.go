// Package presence keeps the local user's reachability row fresh on the
// relay and mirrors everyone else's.
package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
)

// DefaultInterval is the heartbeat cadence.
const DefaultInterval = 30 * time.Second

// ErrNotStarted is returned by operations that need a tracked user.
var ErrNotStarted = errors.New("presence: tracker not started")

type Event struct {
	Type   string                          `json:"type"` // "snapshot" | "update"
	UserID string                          `json:"user_id,omitempty"`
	Record *proto.PresenceRecord           `json:"record,omitempty"`
	Peers  map[string]proto.PresenceRecord `json:"peers,omitempty"`
}

// Tracker is an explicitly owned presence service. Start and Stop may be
// called from any goroutine.
type Tracker struct {
	relay    relay.Relay
	interval time.Duration
	now      func() time.Time

	// lifeMu serialises Start and Stop.
	lifeMu sync.Mutex
	cancel context.CancelFunc
	loops  sync.WaitGroup
	feed   *relay.Subscription

	// stateMu guards the local user's row and orders writes to it.
	stateMu    sync.Mutex
	userID     string
	visible    bool
	lastOnline time.Time

	mu     sync.Mutex
	peers  map[string]proto.PresenceRecord
	subs   map[int]*subscriber
	nextID int
}

// New returns a stopped tracker. interval <= 0 uses DefaultInterval.
func New(r relay.Relay, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		relay:    r,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		peers:    make(map[string]proto.PresenceRecord),
		subs:     make(map[int]*subscriber),
	}
}

// UserID returns the tracked user, or "" when stopped.
func (t *Tracker) UserID() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.userID
}

// Start begins tracking userID: an immediate online write, a heartbeat
// every interval, and a mirror of all presence rows. Starting again for the
// same user is a no-op; starting for another user stops the current one
// first. The loops run until Stop or ctx is done.
func (t *Tracker) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("presence: empty user id")
	}
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	current := t.UserID()
	if current == userID {
		return nil
	}
	if current != "" {
		log.Printf("PRESENCE: switching from %s to %s", current, userID)
		t.stopLocked(ctx)
	}

	feed, err := t.relay.Subscribe(ctx, proto.Filter{Table: proto.TablePresence})
	if err != nil {
		return err
	}
	rows, err := t.relay.ListPresence(ctx)
	if err != nil {
		feed.Close()
		return err
	}

	t.mu.Lock()
	t.peers = make(map[string]proto.PresenceRecord, len(rows))
	t.mu.Unlock()
	for _, r := range rows {
		t.apply(r, false)
	}
	t.broadcastSnapshot()

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.feed = feed

	t.stateMu.Lock()
	t.userID = userID
	t.visible = true
	t.write(ctx, true)
	t.stateMu.Unlock()

	t.loops.Add(2)
	go t.heartbeat(loopCtx, userID)
	go t.follow(loopCtx, feed)
	log.Printf("PRESENCE: tracking %s every %s", userID, t.interval)
	return nil
}

// Stop ends tracking after a final offline write. Safe when not started.
func (t *Tracker) Stop(ctx context.Context) {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	t.stopLocked(ctx)
}

func (t *Tracker) stopLocked(ctx context.Context) {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.feed.Close()
	t.loops.Wait()
	t.cancel = nil
	t.feed = nil

	t.stateMu.Lock()
	t.write(ctx, false)
	log.Printf("PRESENCE: stopped tracking %s", t.userID)
	t.userID = ""
	t.visible = false
	t.lastOnline = time.Time{}
	t.stateMu.Unlock()

	t.mu.Lock()
	t.peers = make(map[string]proto.PresenceRecord)
	t.mu.Unlock()
}

// SetVisible records a foreground/background transition and writes the
// matching state right away. Delivery is best-effort.
func (t *Tracker) SetVisible(ctx context.Context, visible bool) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.userID == "" {
		return ErrNotStarted
	}
	if t.visible == visible {
		return nil
	}
	t.visible = visible
	t.write(ctx, visible)
	return nil
}

// Visible reports whether the tracked user is in the foreground.
func (t *Tracker) Visible() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.visible
}

// write upserts the local row. Called with stateMu held.
func (t *Tracker) write(ctx context.Context, online bool) {
	rec := proto.PresenceRecord{UserID: t.userID, IsOnline: online, LastSeen: t.lastOnline}
	if online {
		rec.LastSeen = t.now()
	}
	if err := t.relay.UpsertPresence(ctx, rec); err != nil {
		log.Printf("PRESENCE: write %s online=%v failed: %v", t.userID, online, err)
		return
	}
	if online {
		t.lastOnline = rec.LastSeen
	}
}

func (t *Tracker) heartbeat(ctx context.Context, userID string) {
	defer t.loops.Done()
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.stateMu.Lock()
			if ctx.Err() == nil && t.userID == userID && t.visible {
				t.write(ctx, true)
			}
			t.stateMu.Unlock()
		}
	}
}

// follow mirrors the presence feed. A feed the relay cuts is reopened and
// followed by a fresh snapshot, since updates may have been missed.
func (t *Tracker) follow(ctx context.Context, feed *relay.Subscription) {
	defer t.loops.Done()
	defer func() { feed.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-feed.C():
			if ok {
				if ch.Presence != nil {
					t.apply(*ch.Presence, true)
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("PRESENCE: relay feed closed: %v", feed.Err())
			next, err := t.resync(ctx)
			if err != nil {
				log.Printf("PRESENCE: resubscribe failed: %v", err)
				return
			}
			feed = next
		}
	}
}

// resync opens a new feed and reloads every row.
func (t *Tracker) resync(ctx context.Context) (*relay.Subscription, error) {
	feed, err := t.relay.Subscribe(ctx, proto.Filter{Table: proto.TablePresence})
	if err != nil {
		return nil, err
	}
	rows, err := t.relay.ListPresence(ctx)
	if err != nil {
		feed.Close()
		return nil, err
	}
	for _, r := range rows {
		t.apply(r, false)
	}
	t.broadcastSnapshot()
	return feed, nil
}

// apply stores r unless an equal-or-newer row is already known.
func (t *Tracker) apply(r proto.PresenceRecord, notify bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.peers[r.UserID]; ok && r.UpdatedAt.Before(cur.UpdatedAt) {
		return
	}
	t.peers[r.UserID] = r
	if notify {
		rec := r
		t.notifyLocked(Event{Type: "update", UserID: r.UserID, Record: &rec})
	}
}

func (t *Tracker) broadcastSnapshot() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked(Event{Type: "snapshot", Peers: t.snapshotLocked()})
}

func (t *Tracker) notifyLocked(evt Event) {
	for _, sub := range t.subs {
		sub.push(evt)
	}
}

func (t *Tracker) snapshotLocked() map[string]proto.PresenceRecord {
	cp := make(map[string]proto.PresenceRecord, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// Snapshot returns a copy of every known presence row.
func (t *Tracker) Snapshot() map[string]proto.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// IsOnline reports the last known reachability of userID.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[userID].IsOnline
}

// Subscribe calls fn with the full map right away and then with every
// change, in order, from a dedicated goroutine. A subscriber that falls
// behind gets each user's latest row rather than every intermediate one.
// The returned func stops delivery and may be called more than once.
func (t *Tracker) Subscribe(fn func(Event)) (unsubscribe func()) {
	sub := newSubscriber(fn)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	sub.push(Event{Type: "snapshot", Peers: t.snapshotLocked()})
	t.subs[id] = sub
	t.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(sub.done)
		})
	}
}

// subscriber queues undelivered events, keeping one update per user. The
// queue is bounded by the number of users plus one snapshot.
type subscriber struct {
	fn   func(Event)
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	queue   []Event
	pending map[string]int // user id -> index of its queued update
}

func newSubscriber(fn func(Event)) *subscriber {
	return &subscriber{
		fn:      fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[string]int),
	}
}

func (s *subscriber) push(evt Event) {
	s.mu.Lock()
	switch {
	case evt.Type == "snapshot":
		// A snapshot already holds everything queued before it.
		s.queue = []Event{evt}
		clear(s.pending)
	default:
		if i, ok := s.pending[evt.UserID]; ok {
			s.queue[i] = evt
		} else {
			s.pending[evt.UserID] = len(s.queue)
			s.queue = append(s.queue, evt)
		}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		clear(s.pending)
		s.mu.Unlock()

		for _, evt := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(evt)
		}
	}
}
