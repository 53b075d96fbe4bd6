package call

import (
	"fmt"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
)

// transitions lists the statuses reachable from each status. Terminal
// statuses have none.
var transitions = map[proto.CallStatus][]proto.CallStatus{
	proto.StatusPending:  {proto.StatusRinging, proto.StatusActive, proto.StatusDeclined, proto.StatusEnded},
	proto.StatusRinging:  {proto.StatusActive, proto.StatusDeclined, proto.StatusEnded},
	proto.StatusActive:   {proto.StatusEnded},
	proto.StatusDeclined: nil,
	proto.StatusEnded:    nil,
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to proto.CallStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an illegal status change.
type TransitionError struct {
	From, To proto.CallStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal call transition %s -> %s", e.From, e.To)
}

// StateMachine is the local view of a call record's status.
type StateMachine struct {
	mu        sync.Mutex
	status    proto.CallStatus
	wasActive bool
}

func NewStateMachine(initial proto.CallStatus) *StateMachine {
	return &StateMachine{status: initial, wasActive: initial == proto.StatusActive}
}

func (m *StateMachine) Status() proto.CallStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// WasActive reports whether the call ever reached active.
func (m *StateMachine) WasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wasActive
}

// Transition moves to status to. Moving to the current status is a no-op
// that returns changed=false.
func (m *StateMachine) Transition(to proto.CallStatus) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == to {
		return false, nil
	}
	if !CanTransition(m.status, to) {
		return false, &TransitionError{From: m.status, To: to}
	}
	m.status = to
	if to == proto.StatusActive {
		m.wasActive = true
	}
	return true, nil
}

// Observe folds in a status read from the relay. Stale or conflicting
// remote statuses that would be illegal locally are ignored.
func (m *StateMachine) Observe(remote proto.CallStatus) bool {
	changed, err := m.Transition(remote)
	return err == nil && changed
}
