package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport reports open immediately unless failures are queued
type fakeTransport struct {
	mu       sync.Mutex
	opens    []ChannelKey
	sinks    []Sink
	channels []*fakeChannel
	failures []error
	onOpen   func(key ChannelKey, sink Sink)
}

func (f *fakeTransport) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeTransport) Open(_ context.Context, key ChannelKey, sink Sink) (Channel, error) {
	f.mu.Lock()
	f.opens = append(f.opens, key)
	f.sinks = append(f.sinks, sink)
	var err error
	if len(f.failures) > 0 {
		err, f.failures = f.failures[0], f.failures[1:]
	}
	hook := f.onOpen
	f.mu.Unlock()

	if hook != nil {
		hook(key, sink)
	}
	if err != nil {
		sink.SetState(TransportFailed, err)
		return nil, err
	}
	sink.SetState(TransportOpen, nil)

	ch := &fakeChannel{}
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeTransport) sink(i int) Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[i]
}

func (f *fakeTransport) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

type collector struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (c *collector) listen(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) all() []ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChangeEvent(nil), c.events...)
}

var accountsKey = ChannelKey{Schema: "kastle_banking", Table: "accounts"}

func newTestManager(tr Transport) *Manager {
	return NewManager(Config{Transport: tr, ReconnectDelay: time.Millisecond})
}

func TestManager_SubscribeSharesChannel(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)

	var a, b collector
	h1, err := m.Subscribe(context.Background(), accountsKey, a.listen)
	require.NoError(t, err)
	h2, err := m.Subscribe(context.Background(), accountsKey, b.listen)
	require.NoError(t, err)

	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, accountsKey, h1.Key())
	assert.Equal(t, 1, tr.openCount())
	assert.Equal(t, StateSubscribed, m.State(accountsKey))

	st, ok := m.Status(accountsKey)
	require.True(t, ok)
	assert.Equal(t, 2, st.Listeners)
	assert.Equal(t, "kastle_banking_accounts", st.Channel)

	tr.sink(0).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "a1", "balance": 100.0}})

	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	assert.Equal(t, KindInsert, a.all()[0].Kind)
	assert.Equal(t, "a1", a.all()[0].After.String("id"))
}

func TestManager_SeparateKeysSeparateChannels(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)
	noop := func(ChangeEvent) {}

	_, err := m.Subscribe(context.Background(), accountsKey, noop)
	require.NoError(t, err)
	filtered := ChannelKey{Schema: "kastle_banking", Table: "accounts", Filter: "branch_id=eq.1"}
	_, err = m.Subscribe(context.Background(), filtered, noop)
	require.NoError(t, err)

	assert.Equal(t, 2, tr.openCount())
	assert.Equal(t, []ChannelKey{accountsKey, filtered}, m.Keys())

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "kastle_banking_accounts", statuses[0].Channel)
	assert.Equal(t, "kastle_banking_accounts_branch_id=eq.1", statuses[1].Channel)
}

func TestManager_Unsubscribe(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)

	var a, b collector
	h1, _ := m.Subscribe(context.Background(), accountsKey, a.listen)
	h2, _ := m.Subscribe(context.Background(), accountsKey, b.listen)

	require.NoError(t, m.Unsubscribe(h1))
	assert.False(t, tr.channel(0).isClosed())
	assert.Equal(t, StateSubscribed, m.State(accountsKey))

	tr.sink(0).Deliver(Notification{Type: "DELETE", Old: map[string]any{"id": "a1"}})
	assert.Empty(t, a.all())
	assert.Len(t, b.all(), 1)

	require.NoError(t, m.Unsubscribe(h2))
	assert.True(t, tr.channel(0).isClosed())
	assert.Equal(t, StateUnsubscribed, m.State(accountsKey))
	assert.Empty(t, m.Keys())

	assert.ErrorIs(t, m.Unsubscribe(h2), ErrUnknownHandle)
	assert.ErrorIs(t, m.Unsubscribe(Handle{}), ErrUnknownHandle)

	// events on the retired channel go nowhere
	tr.sink(0).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "a2"}})
	assert.Len(t, b.all(), 1)
}

func TestManager_ResubscribeAfterRelease(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)

	h, _ := m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})
	require.NoError(t, m.Unsubscribe(h))

	_, err := m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.openCount())
	assert.Equal(t, StateSubscribed, m.State(accountsKey))
}

func TestManager_OpenFailureThenReconnect(t *testing.T) {
	tr := &fakeTransport{}
	tr.fail(errors.New("connection refused"))
	m := newTestManager(tr)

	var c collector
	h, err := m.Subscribe(context.Background(), accountsKey, c.listen)
	require.NoError(t, err)
	assert.Equal(t, accountsKey, h.Key())
	assert.Equal(t, StateError, m.State(accountsKey))

	st, _ := m.Status(accountsKey)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Equal(t, 1, st.Listeners)

	require.NoError(t, m.Reconnect(context.Background(), accountsKey))
	assert.Equal(t, 2, tr.openCount())
	assert.Equal(t, StateSubscribed, m.State(accountsKey))
	st, _ = m.Status(accountsKey)
	assert.Empty(t, st.LastError)

	tr.sink(1).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "a1"}})
	assert.Len(t, c.all(), 1)
}

func TestManager_ReconnectFailureReturnsError(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)
	_, _ = m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})

	tr.fail(errors.New("boom"))
	err := m.Reconnect(context.Background(), accountsKey)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, accountsKey, terr.Key)
	assert.True(t, tr.channel(0).isClosed())
	assert.Equal(t, StateError, m.State(accountsKey))
}

func TestManager_ReconnectUnknownKey(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	assert.ErrorIs(t, m.Reconnect(context.Background(), accountsKey), ErrNoChannel)
}

func TestManager_ReconnectCancelled(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(Config{Transport: tr, ReconnectDelay: time.Hour})
	_, _ = m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Reconnect(ctx, accountsKey)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, tr.openCount())
	assert.Equal(t, StateError, m.State(accountsKey))
}

func TestManager_StaleSinkIgnoredAfterReconnect(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)

	var c collector
	_, _ = m.Subscribe(context.Background(), accountsKey, c.listen)
	require.NoError(t, m.Reconnect(context.Background(), accountsKey))

	tr.sink(0).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "old"}})
	tr.sink(0).SetState(TransportFailed, errors.New("late failure"))
	assert.Empty(t, c.all())
	assert.Equal(t, StateSubscribed, m.State(accountsKey))

	tr.sink(1).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "new"}})
	require.Len(t, c.all(), 1)
	assert.Equal(t, "new", c.all()[0].After.String("id"))
}

func TestManager_StaleOpenIsClosed(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)
	tr.onOpen = func(ChannelKey, Sink) {
		// shutdown races the open
		_ = m.Close()
	}

	_, err := m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})
	require.NoError(t, err)

	assert.True(t, tr.channel(0).isClosed())
	assert.Equal(t, StateUnsubscribed, m.State(accountsKey))
}

func TestManager_TransportDropIsError(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)
	_, _ = m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})

	tr.sink(0).SetState(TransportClosed, nil)
	assert.Equal(t, StateError, m.State(accountsKey))
	st, _ := m.Status(accountsKey)
	assert.Contains(t, st.LastError, "closed")

	tr.sink(0).SetState(TransportOpen, nil)
	assert.Equal(t, StateSubscribed, m.State(accountsKey))
}

func TestManager_DeliveryOrderAndUpdateImages(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)

	var order []string
	var mu sync.Mutex
	record := func(tag string) Listener {
		return func(ev ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, tag+":"+ev.Record().String("status"))
		}
	}
	_, _ = m.Subscribe(context.Background(), accountsKey, record("first"))
	_, _ = m.Subscribe(context.Background(), accountsKey, record("second"))

	var got ChangeEvent
	_, _ = m.Subscribe(context.Background(), accountsKey, func(ev ChangeEvent) { got = ev })

	tr.sink(0).Deliver(Notification{
		Type:            "update",
		Old:             map[string]any{"id": "a1", "status": "ACTIVE"},
		New:             map[string]any{"id": "a1", "status": "DORMANT"},
		CommitTimestamp: "2024-05-20T10:00:00Z",
	})
	tr.sink(0).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "a2", "status": "ACTIVE"}})

	assert.Equal(t, []string{"first:DORMANT", "second:DORMANT", "first:ACTIVE", "second:ACTIVE"}, order)
	assert.Equal(t, KindInsert, got.Kind)
	assert.Nil(t, got.Before)
}

func TestManager_ListenerPanicIsContained(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)

	var c collector
	_, _ = m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) { panic("listener bug") })
	_, _ = m.Subscribe(context.Background(), accountsKey, c.listen)

	assert.NotPanics(t, func() {
		tr.sink(0).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "a1"}})
	})
	assert.Len(t, c.all(), 1)
	assert.Equal(t, StateSubscribed, m.State(accountsKey))
}

func TestManager_FilterAppliedToDelivery(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)
	key := ChannelKey{Schema: "kastle_banking", Table: "accounts", Filter: "branch_id=eq.1"}

	var c collector
	_, err := m.Subscribe(context.Background(), key, c.listen)
	require.NoError(t, err)

	tr.sink(0).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "a1", "branch_id": 2.0}})
	tr.sink(0).Deliver(Notification{Type: "INSERT", New: map[string]any{"id": "a2", "branch_id": 1.0}})
	tr.sink(0).Deliver(Notification{Type: "DELETE", Old: map[string]any{"id": "a3", "branch_id": 1}})

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, "a2", events[0].After.String("id"))
	assert.Equal(t, "a3", events[1].Before.String("id"))
}

func TestManager_MalformedNotificationDropped(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)

	var c collector
	_, _ = m.Subscribe(context.Background(), accountsKey, c.listen)
	tr.sink(0).Deliver(Notification{Type: "TRUNCATE"})

	assert.Empty(t, c.all())
	assert.Equal(t, StateSubscribed, m.State(accountsKey))
}

func TestManager_SubscribeRejectsInvalid(t *testing.T) {
	m := newTestManager(&fakeTransport{})

	_, err := m.Subscribe(context.Background(), ChannelKey{Schema: "kastle_banking"}, func(ChangeEvent) {})
	assert.Error(t, err)

	_, err = m.Subscribe(context.Background(), ChannelKey{Table: "accounts", Filter: "branch_id"}, func(ChangeEvent) {})
	assert.Error(t, err)

	_, err = m.Subscribe(context.Background(), accountsKey, nil)
	assert.Error(t, err)
}

func TestManager_Close(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)
	_, _ = m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})
	_, _ = m.Subscribe(context.Background(), ChannelKey{Schema: "kastle_banking", Table: "loan_accounts"}, func(ChangeEvent) {})

	require.NoError(t, m.Close())
	assert.True(t, tr.channel(0).isClosed())
	assert.True(t, tr.channel(1).isClosed())
	assert.Empty(t, m.Statuses())

	_, err := m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_StateCallbacks(t *testing.T) {
	tr := &fakeTransport{}
	var transitions []string
	m := NewManager(Config{
		Transport:      tr,
		ReconnectDelay: time.Millisecond,
		OnState: func(_ ChannelKey, from, to State) {
			transitions = append(transitions, string(from)+">"+string(to))
		},
	})

	h, _ := m.Subscribe(context.Background(), accountsKey, func(ChangeEvent) {})
	require.NoError(t, m.Unsubscribe(h))

	assert.Equal(t, []string{
		"unsubscribed>connecting",
		"connecting>subscribed",
		"subscribed>closed",
	}, transitions)
}
