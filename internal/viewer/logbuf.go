package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one captured log line. Subsystem and CallID are parsed from
// the "CALL [abcd1234]: ..." prefix convention when present.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Subsystem string    `json:"subsystem,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Msg       string    `json:"msg"`
}

var linePrefix = regexp.MustCompile(`\b([A-Z][A-Z0-9]+)(?: \[([^\]]+)\])?: `)

func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	if m := linePrefix.FindStringSubmatch(line); m != nil {
		e.Subsystem, e.CallID = m[1], m[2]
	}
	return e
}

// LogFilter narrows which entries a reader sees. Zero fields match all.
type LogFilter struct {
	Subsystem string
	CallID    string
}

func (f LogFilter) match(e LogEntry) bool {
	if f.Subsystem != "" && !strings.EqualFold(f.Subsystem, e.Subsystem) {
		return false
	}
	// Log lines carry short ids; accept either form.
	if f.CallID != "" && !strings.HasPrefix(f.CallID, e.CallID) && !strings.HasPrefix(e.CallID, f.CallID) {
		return false
	}
	if f.CallID != "" && e.CallID == "" {
		return false
	}
	return true
}

func filterFrom(r *http.Request) LogFilter {
	q := r.URL.Query()
	return LogFilter{Subsystem: q.Get("subsystem"), CallID: q.Get("call_id")}
}

// LogBuffer keeps recent log lines for the UI. It is an io.Writer so it
// can sit behind log.SetOutput.
type LogBuffer struct {
	mu      sync.Mutex
	partial bytes.Buffer
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write splits p into lines; a trailing partial line waits for the rest.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// slow reader
			}
		}
	}
	return len(p), nil
}

// Snapshot returns the buffered entries matching f, oldest first. limit > 0
// keeps only the newest limit.
func (b *LogBuffer) Snapshot(f LogFilter, limit int) []LogEntry {
	return b.entries.Select(f.match, limit)
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?subsystem=CALL&call_id=...&limit=100
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot(filterFrom(r), limit))
}

// GET /api/logs/stream (SSE), new lines only, same filters as /api/logs.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	f := filterFrom(r)
	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.match(e) {
				continue
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: log\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
