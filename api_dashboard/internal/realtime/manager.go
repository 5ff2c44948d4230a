// Package realtime keeps push subscriptions to table changes: at most one
// transport channel per ChannelKey, fanned out to any number of listeners.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"frameworks/pkg/logging"
)

// State of a channel in the manager
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
	StateClosed       State = "closed"
)

var (
	ErrUnknownHandle = errors.New("realtime: unknown subscription handle")
	ErrNoChannel     = errors.New("realtime: no channel for key")
	ErrClosed        = errors.New("realtime: manager closed")
)

// DefaultReconnectDelay is the pause between closing and re-opening a channel
const DefaultReconnectDelay = time.Second

// Listener receives change events for one key
type Listener func(ChangeEvent)

// Handle identifies one listener registration
type Handle struct {
	id  uuid.UUID
	key ChannelKey
}

func (h Handle) ID() string      { return h.id.String() }
func (h Handle) Key() ChannelKey { return h.key }

// Status is a snapshot of one channel
type Status struct {
	Key       ChannelKey `json:"key"`
	Channel   string     `json:"channel"`
	State     State      `json:"state"`
	Listeners int        `json:"listeners"`
	LastError string     `json:"last_error,omitempty"`
}

type Config struct {
	Transport      Transport
	ReconnectDelay time.Duration
	Logger         logging.Logger

	// OnState and OnEvent are called with the manager lock held and must not
	// call back into the manager.
	OnState func(key ChannelKey, from, to State)
	OnEvent func(key ChannelKey, kind Kind)

	// Now defaults to time.Now
	Now func() time.Time
}

type registration struct {
	id       uuid.UUID
	listener Listener
}

type entry struct {
	key       ChannelKey
	state     State
	lastErr   error
	listeners []registration
	channel   Channel
	filter    FilterExpr
	// gen identifies the current open attempt; results from older attempts are discarded
	gen uint64

	deliverMu sync.Mutex
}

// Manager owns the ChannelKey to channel map. Every mutation happens under
// one mutex; transport calls are made outside it.
type Manager struct {
	transport Transport
	delay     time.Duration
	logger    logging.Logger
	onState   func(ChannelKey, State, State)
	onEvent   func(ChannelKey, Kind)
	now       func() time.Time

	mu      sync.Mutex
	entries map[ChannelKey]*entry
	nextGen uint64
	closed  bool
}

func NewManager(cfg Config) *Manager {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		transport: cfg.Transport,
		delay:     delay,
		logger:    logging.OrDiscard(cfg.Logger),
		onState:   cfg.OnState,
		onEvent:   cfg.OnEvent,
		now:       now,
		entries:   make(map[ChannelKey]*entry),
	}
}

// Subscribe registers listener under key, opening a transport channel only
// if none exists. A failed open leaves the channel in StateError with the
// listener kept, ready for Reconnect.
func (m *Manager) Subscribe(ctx context.Context, key ChannelKey, listener Listener) (Handle, error) {
	if listener == nil {
		return Handle{}, errors.New("realtime: nil listener")
	}
	if err := key.Validate(); err != nil {
		return Handle{}, err
	}

	h := Handle{id: uuid.New(), key: key}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if e, ok := m.entries[key]; ok && e.state != StateClosed {
		e.listeners = append(e.listeners, registration{id: h.id, listener: listener})
		m.mu.Unlock()
		return h, nil
	}

	filter, _ := ParseFilter(key.Filter)
	e := &entry{key: key, state: StateUnsubscribed, filter: filter}
	e.listeners = append(e.listeners, registration{id: h.id, listener: listener})
	m.entries[key] = e
	gen := m.beginOpenLocked(e)
	m.mu.Unlock()

	_ = m.open(ctx, e, gen)
	return h, nil
}

// Unsubscribe removes the listener. Removing the last listener closes the
// transport channel and forgets the key.
func (m *Manager) Unsubscribe(h Handle) error {
	m.mu.Lock()
	e, ok := m.entries[h.key]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	idx := -1
	for i, reg := range e.listeners {
		if reg.id == h.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	e.listeners = append(e.listeners[:idx:idx], e.listeners[idx+1:]...)
	if len(e.listeners) > 0 {
		m.mu.Unlock()
		return nil
	}

	delete(m.entries, h.key)
	ch := m.retireLocked(e)
	m.mu.Unlock()

	m.closeChannel(h.key, ch)
	return nil
}

// Reconnect closes the key's channel, waits the reconnect delay and opens
// it again for the listeners registered at that point. It returns the open
// error, which is also recorded on the channel.
func (m *Manager) Reconnect(ctx context.Context, key ChannelKey) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return ErrNoChannel
	}
	ch := e.channel
	e.channel = nil
	gen := m.beginOpenLocked(e)
	m.mu.Unlock()

	m.closeChannel(key, ch)

	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.mu.Lock()
		if m.current(e, gen) {
			m.failLocked(e, ctx.Err())
		}
		m.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
	}

	m.mu.Lock()
	if !m.current(e, gen) {
		// unsubscribed or superseded while waiting
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.open(ctx, e, gen)
}

// State reports the channel state; unknown keys are StateUnsubscribed
func (m *Manager) State(key ChannelKey) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.state
	}
	return StateUnsubscribed
}

func (m *Manager) Status(key ChannelKey) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Status{Key: key, Channel: key.String(), State: StateUnsubscribed}, false
	}
	return e.status(), true
}

// Statuses snapshots every channel, ordered by channel name
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (m *Manager) Keys() []ChannelKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]ChannelKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close tears down every channel. Later subscribes fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	channels := make(map[ChannelKey]Channel, len(m.entries))
	for key, e := range m.entries {
		channels[key] = m.retireLocked(e)
	}
	m.entries = make(map[ChannelKey]*entry)
	m.mu.Unlock()

	var errs []error
	for key, ch := range channels {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (e *entry) status() Status {
	s := Status{Key: e.key, Channel: e.key.String(), State: e.state, Listeners: len(e.listeners)}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

// beginOpenLocked moves e to connecting under a fresh generation
func (m *Manager) beginOpenLocked(e *entry) uint64 {
	m.nextGen++
	e.gen = m.nextGen
	e.lastErr = nil
	m.setStateLocked(e, StateConnecting)
	return e.gen
}

// retireLocked marks e closed and hands back its channel for closing
func (m *Manager) retireLocked(e *entry) Channel {
	m.nextGen++
	e.gen = m.nextGen
	ch := e.channel
	e.channel = nil
	m.setStateLocked(e, StateClosed)
	return ch
}

func (m *Manager) failLocked(e *entry, err error) {
	e.lastErr = &TransportError{Key: e.key, Err: err}
	m.setStateLocked(e, StateError)
}

func (m *Manager) current(e *entry, gen uint64) bool {
	return m.entries[e.key] == e && e.gen == gen
}

func (m *Manager) setStateLocked(e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if m.onState != nil {
		m.onState(e.key, from, to)
	}
	m.logger.WithFields(logging.Fields{
		"channel": e.key.String(),
		"from":    string(from),
		"to":      string(to),
	}).Debug("Channel state changed")
}

// open asks the transport for a channel and installs it if the attempt is
// still current; a stale channel is closed straight away.
func (m *Manager) open(ctx context.Context, e *entry, gen uint64) error {
	ch, err := m.transport.Open(ctx, e.key, &sink{m: m, e: e, gen: gen})

	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		m.closeChannel(e.key, ch)
		return nil
	}
	if err != nil {
		m.failLocked(e, err)
		terr := e.lastErr
		m.mu.Unlock()
		m.logger.WithError(err).WithField("channel", e.key.String()).Warn("Failed to open change channel")
		return terr
	}
	e.channel = ch
	m.mu.Unlock()
	return nil
}

func (m *Manager) closeChannel(key ChannelKey, ch Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		m.logger.WithError(err).WithField("channel", key.String()).Warn("Failed to close change channel")
	}
}

// sink binds transport callbacks to one open attempt
type sink struct {
	m   *Manager
	e   *entry
	gen uint64
}

func (s *sink) SetState(ts TransportState, err error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(s.e, s.gen) {
		return
	}
	switch ts {
	case TransportConnecting:
		m.setStateLocked(s.e, StateConnecting)
	case TransportOpen:
		s.e.lastErr = nil
		m.setStateLocked(s.e, StateSubscribed)
	case TransportFailed, TransportClosed:
		// a transport-side close with listeners still registered is a failure
		if err == nil {
			err = fmt.Errorf("transport reported %s", ts)
		}
		m.failLocked(s.e, err)
	}
}

func (s *sink) Deliver(n Notification) {
	m := s.m
	ev, err := Normalize(s.e.key, n, m.now())
	if err != nil {
		m.logger.WithError(err).WithField("channel", s.e.key.String()).Warn("Dropping malformed change notification")
		return
	}
	if rec := ev.Record(); rec != nil && !s.e.filter.Matches(rec) {
		return
	}

	s.e.deliverMu.Lock()
	defer s.e.deliverMu.Unlock()

	m.mu.Lock()
	if !m.current(s.e, s.gen) {
		m.mu.Unlock()
		return
	}
	listeners := append([]registration(nil), s.e.listeners...)
	if m.onEvent != nil {
		m.onEvent(s.e.key, ev.Kind)
	}
	m.mu.Unlock()

	for _, reg := range listeners {
		m.invoke(s.e.key, reg, ev)
	}
}

func (m *Manager) invoke(key ChannelKey, reg registration, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logging.Fields{
				"channel":  key.String(),
				"listener": reg.id.String(),
				"panic":    r,
			}).Error("Change listener panicked")
		}
	}()
	reg.listener(ev)
}
