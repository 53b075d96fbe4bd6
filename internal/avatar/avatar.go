// internal/avatar/avatar.go
package avatar

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
)

// DefaultTTL is how long a looked-up profile is reused.
const DefaultTTL = 5 * time.Minute

type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (proto.Profile, error)
}

type entry struct {
	p       proto.Profile
	fetched time.Time
}

// Resolver answers "what does this user look like" for call screens. It
// caches relay profiles and falls back to the bare user id when a user
// never published one.
type Resolver struct {
	src ProfileSource
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]entry
}

func NewResolver(src ProfileSource, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{src: src, ttl: ttl, now: time.Now, cache: make(map[string]entry)}
}

// Lookup returns the profile for userID. A missing profile is not an error.
func (r *Resolver) Lookup(ctx context.Context, userID string) (proto.Profile, error) {
	r.mu.RLock()
	e, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok && r.now().Sub(e.fetched) < r.ttl {
		return e.p, nil
	}

	p, err := r.src.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		p = proto.Profile{UserID: userID}
	case err != nil:
		return proto.Profile{}, err
	}
	if p.DisplayName == "" {
		p.DisplayName = userID
	}

	r.mu.Lock()
	r.cache[userID] = entry{p: p, fetched: r.now()}
	r.mu.Unlock()
	return p, nil
}

// Invalidate drops the cached profile for userID.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}

// InitialsSVG generates a deterministic initials-based SVG avatar.
// label is the display name, seed keeps the colour stable per user.
func InitialsSVG(label, seed string) []byte {
	initials := extractInitials(label)
	color := deterministicColor(seed)
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256" viewBox="0 0 256 256">
  <rect width="256" height="256" rx="128" fill="%s"/>
  <text x="128" y="128" dy=".35em" text-anchor="middle"
        font-family="sans-serif" font-size="100" font-weight="600" fill="#fff">%s</text>
</svg>`, color, initials)
	return []byte(svg)
}

func extractInitials(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "?"
	}
	parts := strings.Fields(label)
	if len(parts) >= 2 {
		return strings.ToUpper(string([]rune(parts[0])[:1]) + string([]rune(parts[1])[:1]))
	}
	r := []rune(parts[0])
	if len(r) >= 2 {
		return strings.ToUpper(string(r[:2]))
	}
	return strings.ToUpper(string(r[:1]))
}

var palette = []string{
	"#e74c3c", "#e67e22", "#f1c40f", "#2ecc71", "#1abc9c",
	"#3498db", "#9b59b6", "#e91e63", "#00bcd4", "#ff5722",
	"#607d8b", "#795548", "#8bc34a", "#673ab7",
}

func deterministicColor(s string) string {
	h := sha256.Sum256([]byte(s))
	return palette[int(h[0])%len(palette)]
}
