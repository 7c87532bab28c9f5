package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// defaultScanLimit bounds how many stream entries one introspection call
// examines per status class. Streams are trimmed with WithMaxLenApprox, so
// the window covers the realistic backlog.
const defaultScanLimit = 1024

// EntryStatus classifies a queue entry seen by the Inspector.
type EntryStatus string

const (
	EntryQueued    EntryStatus = "queued"
	EntryInFlight  EntryStatus = "in_flight"
	EntryScheduled EntryStatus = "scheduled"
	EntryDead      EntryStatus = "dead"
)

// JobEntry is one introspected queue entry.
type JobEntry struct {
	Status   EntryStatus
	StreamID string
	Envelope Envelope
}

// ScopeActivity summarizes live queue entries for one profile scope.
type ScopeActivity struct {
	Queued    int64
	InFlight  int64
	Scheduled int64
}

// Total returns all live entries for the scope.
func (a ScopeActivity) Total() int64 {
	return a.Queued + a.InFlight + a.Scheduled
}

// Inspector provides read-only visibility into queued, in-flight, scheduled
// and dead jobs, filterable by the context markers embedded in envelopes.
// Stale-step detection and the sequential processing gate are built on it.
type Inspector struct {
	client    *redis.Client
	group     string
	scanLimit int64
}

// NewInspector builds an Inspector for the given worker consumer group.
func NewInspector(client *redis.Client, group string) *Inspector {
	return &Inspector{client: client, group: group, scanLimit: defaultScanLimit}
}

func matchMarkers(env Envelope, scopeID, contentID, step string) bool {
	if scopeID != "" && env.ScopeID != scopeID {
		return false
	}
	if contentID != "" && env.ContentID != contentID {
		return false
	}
	if step != "" && env.Step != step {
		return false
	}
	return true
}

func decodeEntry(msg redis.XMessage) (Envelope, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Envelope{}, false
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Envelope{}, false
	}
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		return Envelope{}, false
	}
	return env, true
}

// ListEntries returns live entries on the stream matching the markers. Empty
// markers act as wildcards. Dead entries are not included; see ListDead.
func (i *Inspector) ListEntries(ctx context.Context, stream, scopeID, contentID, step string) ([]JobEntry, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream is required")
	}
	var out []JobEntry

	// Undelivered entries: everything past the group's last-delivered id.
	lastDelivered := ""
	groups, err := i.client.XInfoGroups(ctx, stream).Result()
	if err != nil && !isMissingStream(err) {
		return nil, fmt.Errorf("xinfo groups: %w", err)
	}
	for _, info := range groups {
		if info.Name == i.group {
			lastDelivered = info.LastDeliveredID
			break
		}
	}
	start := "-"
	if lastDelivered != "" && lastDelivered != "0-0" {
		start = "(" + lastDelivered
	}
	msgs, err := i.client.XRangeN(ctx, stream, start, "+", i.scanLimit).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	for _, msg := range msgs {
		if env, ok := decodeEntry(msg); ok && matchMarkers(env, scopeID, contentID, step) {
			out = append(out, JobEntry{Status: EntryQueued, StreamID: msg.ID, Envelope: env})
		}
	}

	// Delivered-but-unacked entries.
	pending, err := i.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  i.group,
		Start:  "-",
		End:    "+",
		Count:  i.scanLimit,
	}).Result()
	if err != nil && err != redis.Nil && !isMissingGroup(err) {
		return nil, fmt.Errorf("xpendingext: %w", err)
	}
	for _, pe := range pending {
		entries, err := i.client.XRangeN(ctx, stream, pe.ID, pe.ID, 1).Result()
		if err != nil || len(entries) == 0 {
			continue
		}
		if env, ok := decodeEntry(entries[0]); ok && matchMarkers(env, scopeID, contentID, step) {
			out = append(out, JobEntry{Status: EntryInFlight, StreamID: pe.ID, Envelope: env})
		}
	}

	// Scheduled (delayed) entries destined for this stream.
	members, err := i.client.ZRange(ctx, ScheduledKey, 0, i.scanLimit).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("zrange scheduled: %w", err)
	}
	for _, member := range members {
		var entry scheduledEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		if entry.Stream != stream {
			continue
		}
		if matchMarkers(entry.Envelope, scopeID, contentID, step) {
			out = append(out, JobEntry{Status: EntryScheduled, Envelope: entry.Envelope})
		}
	}
	return out, nil
}

// HasLiveEntry reports whether any queued, in-flight or scheduled entry on
// the stream matches the markers. The finalizer treats a running step with no
// live entry as stalled.
func (i *Inspector) HasLiveEntry(ctx context.Context, stream, scopeID, contentID, step string) (bool, error) {
	entries, err := i.ListEntries(ctx, stream, scopeID, contentID, step)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// ScopeActivity counts live step-job entries for a profile scope.
func (i *Inspector) ScopeActivity(ctx context.Context, scopeID string) (ScopeActivity, error) {
	entries, err := i.ListEntries(ctx, StreamSteps, scopeID, "", "")
	if err != nil {
		return ScopeActivity{}, err
	}
	var activity ScopeActivity
	for _, entry := range entries {
		switch entry.Status {
		case EntryQueued:
			activity.Queued++
		case EntryInFlight:
			activity.InFlight++
		case EntryScheduled:
			activity.Scheduled++
		}
	}
	return activity, nil
}

// ListDead returns dead-lettered jobs, optionally filtered by scope.
func (i *Inspector) ListDead(ctx context.Context, scopeID string) ([]JobEntry, error) {
	msgs, err := i.client.XRangeN(ctx, StreamDead, "-", "+", i.scanLimit).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xrange dead: %w", err)
	}
	var out []JobEntry
	for _, msg := range msgs {
		if env, ok := decodeEntry(msg); ok && matchMarkers(env, scopeID, "", "") {
			out = append(out, JobEntry{Status: EntryDead, StreamID: msg.ID, Envelope: env})
		}
	}
	return out, nil
}

func isMissingStream(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func isMissingGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
