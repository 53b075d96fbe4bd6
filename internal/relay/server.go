package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// requestTimeout bounds a single relay operation on the server side.
const requestTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a Hub to remote peers over websocket and (via ServeConn)
// any other FrameConn transport, plus a small HTTP inspection API.
type Server struct {
	hub  *Hub
	addr string
	reg  *prometheus.Registry

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	baseCtx context.Context
	diag    func() map[string]any
}

// SetDiag exposes fn at GET /api/p2p, typically a libp2p node's snapshot.
func (s *Server) SetDiag(fn func() map[string]any) {
	s.mu.Lock()
	s.diag = fn
	s.mu.Unlock()
}

// NewServer creates a relay server for hub that will listen on addr.
func NewServer(hub *Hub, addr string) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)
	return &Server{hub: hub, addr: addr, reg: reg}
}

// Start begins serving in the background and shuts down when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.ln, s.srv, s.baseCtx = ln, srv, ctx
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: http server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address (after Start).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// URL returns the websocket URL peers should dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// Handler returns the HTTP routes.
//
//	GET /ws                     relay frames over websocket
//	GET /healthz                liveness
//	GET /metrics                prometheus
//	GET /api/calls/{id}         one call record
//	GET /api/calls/{id}/signals signaling rows for a call, in order
//	GET /api/users/{id}/calls   recent calls for a user
//	GET /api/presence           every presence row
//	GET /api/p2p                libp2p transport diagnostics, when enabled
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", instrument("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/calls/{id}", instrument("/api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := s.hub.GetCall(r.Context(), mux.Vars(r)["id"])
		respond(w, c, err)
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/calls/{id}/signals", instrument("/api/calls/{id}/signals", func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.hub.ListSignals(r.Context(), mux.Vars(r)["id"])
		if msgs == nil {
			msgs = []proto.SignalMessage{}
		}
		respond(w, msgs, err)
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/users/{id}/calls", instrument("/api/users/{id}/calls", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		calls, err := s.hub.db.ListCallsFor(r.Context(), mux.Vars(r)["id"], limit)
		if calls == nil {
			calls = []proto.CallSession{}
		}
		respond(w, calls, err)
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/presence", instrument("/api/presence", func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.hub.ListPresence(r.Context())
		if recs == nil {
			recs = []proto.PresenceRecord{}
		}
		respond(w, recs, err)
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/p2p", instrument("/api/p2p", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fn := s.diag
		s.mu.Unlock()
		if fn == nil {
			http.Error(w, "p2p transport disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, fn())
	})).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.ServeConn(ctx, conn, "ws", r.RemoteAddr)
}

// ServeConn runs the relay protocol on conn until it fails or ctx is done.
// transport labels metrics ("ws", "p2p").
func (s *Server) ServeConn(ctx context.Context, conn FrameConn, transport, remote string) {
	metrics.RelayConnections.WithLabelValues(transport).Inc()
	defer metrics.RelayConnections.WithLabelValues(transport).Dec()

	ctx, cancel := context.WithCancel(ctx)
	sc := &serverConn{
		id:   uuid.NewString(),
		hub:  s.hub,
		conn: conn,
		subs: make(map[string]*Subscription),
	}
	defer func() {
		cancel()
		sc.close()
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Printf("RELAY: %s client connected from %s", transport, remote)
	for {
		var req proto.Request
		if err := conn.ReadJSON(&req); err != nil {
			if !isClosedConn(err) {
				log.Printf("RELAY: read from %s: %v", remote, err)
			}
			log.Printf("RELAY: %s client %s disconnected", transport, remote)
			return
		}
		sc.handle(ctx, req)
	}
}

// serverConn is one connected client: its write lock and subscriptions.
type serverConn struct {
	id   string
	hub  *Hub
	conn FrameConn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*Subscription // client sub id → hub subscription
}

func (sc *serverConn) write(f proto.Frame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.conn.WriteJSON(f)
}

func (sc *serverConn) handle(ctx context.Context, req proto.Request) {
	if req.Op == proto.OpSubscribe {
		sc.subscribe(req)
		return
	}
	if req.Op == proto.OpUnsubscribe {
		var args proto.UnsubscribeArgs
		_ = json.Unmarshal(req.Args, &args)
		sc.unsubscribe(args.Sub)
		sc.reply(req, nil, nil)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	result, err := dispatch(opCtx, sc.hub, req)
	sc.reply(req, result, err)
}

func (sc *serverConn) reply(req proto.Request, result any, err error) {
	f := proto.Frame{Reply: req.ID}
	if err != nil {
		metrics.RelayRequests.WithLabelValues(req.Op, "error").Inc()
		f.Error = err.Error()
		var re *Error
		if errors.As(err, &re) {
			f.Error = re.Msg
			f.Temporary = re.Temporary
		}
		if errors.Is(err, ErrNotFound) {
			f.Code = proto.CodeNotFound
		}
	} else {
		metrics.RelayRequests.WithLabelValues(req.Op, "ok").Inc()
		f.OK = true
		if result != nil {
			raw, mErr := json.Marshal(result)
			if mErr != nil {
				f.OK, f.Error = false, mErr.Error()
			}
			f.Result = raw
		}
	}
	if err := sc.write(f); err != nil && !isClosedConn(err) {
		log.Printf("RELAY: write reply %s: %v", req.Op, err)
	}
}

func (sc *serverConn) subscribe(req proto.Request) {
	var args proto.SubscribeArgs
	if err := json.Unmarshal(req.Args, &args); err != nil || args.Sub == "" {
		sc.reply(req, nil, &Error{Op: proto.OpSubscribe, Msg: "bad subscribe args"})
		return
	}
	sub, err := sc.hub.subscribe(sc.id+"/"+args.Sub, args.Filter)
	if err != nil {
		sc.reply(req, nil, err)
		return
	}
	sc.subMu.Lock()
	sc.subs[args.Sub] = sub
	sc.subMu.Unlock()

	sc.reply(req, nil, nil)
	go sc.forward(args.Sub, sub)
}

func (sc *serverConn) forward(clientSub string, sub *Subscription) {
	for c := range sub.C() {
		c := c
		if err := sc.write(proto.Frame{Sub: clientSub, Change: &c}); err != nil {
			if !isClosedConn(err) {
				log.Printf("RELAY: push to %s failed: %v", short(clientSub), err)
			}
			sub.Close()
			// Drain so the hub never sees a full buffer for a dead client.
			for range sub.C() {
			}
			return
		}
	}
	// The hub cut the feed; tell the client so it can reopen.
	if err := sub.Err(); err != nil {
		sc.subMu.Lock()
		delete(sc.subs, clientSub)
		sc.subMu.Unlock()
		if werr := sc.write(proto.Frame{Sub: clientSub, Ended: true, Error: err.Error()}); werr != nil && !isClosedConn(werr) {
			log.Printf("RELAY: end of %s not delivered: %v", short(clientSub), werr)
		}
	}
}

func (sc *serverConn) unsubscribe(clientSub string) {
	sc.subMu.Lock()
	sub, ok := sc.subs[clientSub]
	delete(sc.subs, clientSub)
	sc.subMu.Unlock()
	if ok {
		sub.Close()
	}
}

func (sc *serverConn) close() {
	sc.subMu.Lock()
	subs := sc.subs
	sc.subs = make(map[string]*Subscription)
	sc.subMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// dispatch decodes args for op and runs it against r.
func dispatch(ctx context.Context, r Relay, req proto.Request) (any, error) {
	decode := func(v any) error {
		if err := json.Unmarshal(req.Args, v); err != nil {
			return &Error{Op: req.Op, Msg: "bad args: " + err.Error()}
		}
		return nil
	}
	switch req.Op {
	case proto.OpCreateCall:
		var a proto.CreateCallArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return r.CreateCall(ctx, a.CallerID, a.ReceiverID)
	case proto.OpGetCall:
		var a proto.IDArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return r.GetCall(ctx, a.ID)
	case proto.OpUpdateCallStatus:
		var a proto.UpdateCallStatusArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return r.UpdateCallStatus(ctx, a.ID, a.Status)
	case proto.OpMarkAccepted:
		var a proto.IDArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return r.MarkCallAccepted(ctx, a.ID)
	case proto.OpAppendSignal:
		var m proto.SignalMessage
		if err := decode(&m); err != nil {
			return nil, err
		}
		return r.AppendSignal(ctx, m)
	case proto.OpListSignals:
		var a proto.IDArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return r.ListSignals(ctx, a.ID)
	case proto.OpUpsertPresence:
		var p proto.PresenceRecord
		if err := decode(&p); err != nil {
			return nil, err
		}
		return nil, r.UpsertPresence(ctx, p)
	case proto.OpListPresence:
		return r.ListPresence(ctx)
	case proto.OpUpsertProfile:
		var p proto.Profile
		if err := decode(&p); err != nil {
			return nil, err
		}
		return nil, r.UpsertProfile(ctx, p)
	case proto.OpGetProfile:
		var a proto.IDArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return r.GetProfile(ctx, a.ID)
	}
	return nil, &Error{Op: req.Op, Msg: "unknown op"}
}

func isClosedConn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}

// ── HTTP helpers ─────────────────────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, v)
}
