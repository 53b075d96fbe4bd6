package avatar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProfiles struct {
	profiles map[string]proto.Profile
	calls    int
	err      error
}

func (s *stubProfiles) GetProfile(_ context.Context, id string) (proto.Profile, error) {
	s.calls++
	if s.err != nil {
		return proto.Profile{}, s.err
	}
	p, ok := s.profiles[id]
	if !ok {
		return proto.Profile{}, &relay.Error{Op: proto.OpGetProfile, Msg: "not found", Err: relay.ErrNotFound}
	}
	return p, nil
}

func TestLookupCaches(t *testing.T) {
	src := &stubProfiles{profiles: map[string]proto.Profile{
		"alice": {UserID: "alice", DisplayName: "Alice Smith"},
	}}
	r := NewResolver(src, time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	p, err := r.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", p.DisplayName)

	_, _ = r.Lookup(context.Background(), "alice")
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	_, _ = r.Lookup(context.Background(), "alice")
	assert.Equal(t, 2, src.calls)

	r.Invalidate("alice")
	_, _ = r.Lookup(context.Background(), "alice")
	assert.Equal(t, 3, src.calls)
}

func TestLookupMissingProfile(t *testing.T) {
	r := NewResolver(&stubProfiles{}, 0)
	p, err := r.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, proto.Profile{UserID: "bob", DisplayName: "bob"}, p)
}

func TestLookupRelayError(t *testing.T) {
	r := NewResolver(&stubProfiles{err: errors.New("down")}, 0)
	_, err := r.Lookup(context.Background(), "bob")
	assert.Error(t, err)
}

func TestInitials(t *testing.T) {
	assert.Equal(t, "AS", extractInitials("alice smith"))
	assert.Equal(t, "BO", extractInitials("bob"))
	assert.Equal(t, "?", extractInitials("  "))
	assert.Equal(t, deterministicColor("x"), deterministicColor("x"))
	assert.Contains(t, string(InitialsSVG("Alice Smith", "alice")), ">AS<")
}
