// ABOUTME: Query helpers over an execution's retained events: filtering, pagination, and summaries.
// ABOUTME: Used by the HTTP API and the CLI to inspect runs without re-executing them.
package engine

import "time"

// EventFilter specifies criteria for selecting events.
type EventFilter struct {
	Kinds         []EventKind // empty means all kinds
	NodeID        string      // empty means all nodes
	AfterSequence uint64      // only events with a greater sequence
	Since         *time.Time  // events at or after this time
	Until         *time.Time  // events at or before this time
	Limit         int         // 0 means unlimited
	Offset        int         // skip first N matches
}

// EventSummary holds aggregate statistics about an execution's events.
type EventSummary struct {
	TotalEvents int               `json:"totalEvents"`
	Dropped     uint64            `json:"dropped"`
	ByKind      map[EventKind]int `json:"byKind"`
	ByNode      map[string]int    `json:"byNode"`
	FirstEvent  *time.Time        `json:"firstEvent,omitempty"`
	LastEvent   *time.Time        `json:"lastEvent,omitempty"`
}

// QueryEvents returns the channel's retained events matching filter.
func QueryEvents(ch *EventChannel, filter EventFilter) []Event {
	return applyPagination(FilterEvents(ch.History(), filter), filter.Offset, filter.Limit)
}

// FilterEvents returns only the events that match all filter criteria.
func FilterEvents(events []Event, filter EventFilter) []Event {
	result := make([]Event, 0, len(events))
	for _, evt := range events {
		if matchesFilter(evt, filter) {
			result = append(result, evt)
		}
	}
	return result
}

func matchesFilter(evt Event, filter EventFilter) bool {
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if evt.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.NodeID != "" && evt.NodeID != filter.NodeID {
		return false
	}
	if evt.Sequence <= filter.AfterSequence {
		return false
	}
	if filter.Since != nil && evt.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && evt.Timestamp.After(*filter.Until) {
		return false
	}
	return true
}

func applyPagination(events []Event, offset, limit int) []Event {
	if offset > 0 {
		if offset >= len(events) {
			return []Event{}
		}
		events = events[offset:]
	}
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// SummarizeEvents produces aggregate statistics about a channel's retained events.
func SummarizeEvents(ch *EventChannel) EventSummary {
	events := ch.History()
	summary := EventSummary{
		TotalEvents: len(events),
		Dropped:     ch.Dropped(),
		ByKind:      make(map[EventKind]int),
		ByNode:      make(map[string]int),
	}
	for i, evt := range events {
		summary.ByKind[evt.Kind]++
		if evt.NodeID != "" {
			summary.ByNode[evt.NodeID]++
		}
		ts := evt.Timestamp
		if i == 0 || ts.Before(*summary.FirstEvent) {
			t := ts
			summary.FirstEvent = &t
		}
		if i == 0 || ts.After(*summary.LastEvent) {
			t := ts
			summary.LastEvent = &t
		}
	}
	return summary
}
