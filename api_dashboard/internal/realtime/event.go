package realtime

import (
	"fmt"
	"strings"
	"time"

	"frameworks/api_dashboard/internal/source"
)

// Kind is the type of row change
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ParseKind accepts any casing; anything else is rejected
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindInsert, KindUpdate, KindDelete:
		return k, nil
	default:
		return "", fmt.Errorf("unknown change kind %q", s)
	}
}

// Notification is a change as the feed transports carry it
type Notification struct {
	Type            string         `json:"eventType"`
	Schema          string         `json:"schema,omitempty"`
	Table           string         `json:"table,omitempty"`
	Old             map[string]any `json:"old,omitempty"`
	New             map[string]any `json:"new,omitempty"`
	CommitTimestamp string         `json:"commit_timestamp,omitempty"`
}

// ChangeEvent is a normalised notification delivered to listeners
type ChangeEvent struct {
	Key        ChannelKey    `json:"key"`
	Kind       Kind          `json:"kind"`
	Before     source.Record `json:"before"`
	After      source.Record `json:"after"`
	ObservedAt time.Time     `json:"observed_at"`
}

// Record is the row the event is about: After, or Before for deletes
func (e ChangeEvent) Record() source.Record {
	if e.Kind == KindDelete {
		return e.Before
	}
	return e.After
}

// Normalize converts a transport notification. Empty old/new images become
// nil and a missing or unparseable commit timestamp reads as now.
func Normalize(key ChannelKey, n Notification, now time.Time) (ChangeEvent, error) {
	kind, err := ParseKind(n.Type)
	if err != nil {
		return ChangeEvent{}, err
	}

	ev := ChangeEvent{Key: key, Kind: kind, ObservedAt: now}
	if len(n.Old) > 0 {
		ev.Before = source.Record(n.Old)
	}
	if len(n.New) > 0 {
		ev.After = source.Record(n.New)
	}
	if n.CommitTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, n.CommitTimestamp); err == nil {
			ev.ObservedAt = ts
		}
	}
	return ev, nil
}
