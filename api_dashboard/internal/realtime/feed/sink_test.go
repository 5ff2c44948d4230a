package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"frameworks/api_dashboard/internal/realtime"
)

type stateChange struct {
	state realtime.TransportState
	err   error
}

type recordingSink struct {
	mu      sync.Mutex
	changes []realtime.Notification
	states  []stateChange
}

func (s *recordingSink) Deliver(n realtime.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, n)
}

func (s *recordingSink) SetState(st realtime.TransportState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, stateChange{st, err})
}

func (s *recordingSink) notifications() []realtime.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Notification(nil), s.changes...)
}

func (s *recordingSink) last() (stateChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return stateChange{}, false
	}
	return s.states[len(s.states)-1], true
}

func (s *recordingSink) waitState(t *testing.T, want realtime.TransportState) stateChange {
	t.Helper()
	var got stateChange
	require.Eventually(t, func() bool {
		sc, ok := s.last()
		got = sc
		return ok && sc.state == want
	}, 10*time.Second, 5*time.Millisecond)
	return got
}

func (s *recordingSink) waitNotifications(t *testing.T, n int) []realtime.Notification {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.notifications()) >= n }, 10*time.Second, 5*time.Millisecond)
	return s.notifications()
}
