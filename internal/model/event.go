// Package model defines shared types used across the sync engine, the
// persistence layer, and the calendar providers.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"time"
)

// EventType classifies a CRM activity record.
type EventType string

const (
	// TypeMeeting is a meeting record.
	TypeMeeting EventType = "meeting"
	// TypeCall is a call record.
	TypeCall EventType = "call"
	// TypeTask is a task record. Tasks carry a due date instead of a
	// start/end pair and get special handling in FromRecord.
	TypeTask EventType = "task"
)

// NormalizeEventType maps an arbitrary module/type string to one of the three
// canonical event types. Unknown values default to meeting.
func NormalizeEventType(raw string) EventType {
	switch EventType(raw) {
	case TypeCall:
		return TypeCall
	case TypeTask:
		return TypeTask
	default:
		return TypeMeeting
	}
}

// Event is the normalised representation of a single calendar occurrence,
// shared between the CRM store, the external providers, and the sync engine.
//
// The content checksum is computed once at construction; an Event must be
// rebuilt (never mutated in place) whenever one of the checksummed fields
// changes.
type Event struct {
	// ID is the side-local identifier: a CRM record id for internal events,
	// a provider event id for external ones.
	ID string

	// LinkedEventID is the counterpart's id on the other side of the sync
	// pair. Empty when the event has never been linked.
	LinkedEventID string

	// AccountID is the calendar account this event was fetched through.
	AccountID string

	// AssignedUserID is the CRM user the event belongs to.
	AssignedUserID string

	// Name, Description, and Location are the user-visible content fields.
	// HTML entities are decoded at construction so checksums compare plain
	// text on both sides.
	Name        string
	Description string
	Location    string

	// Type classifies the record (meeting, call, task).
	Type EventType

	// Start is the event's start instant. Never zero: construction falls
	// back to the current time when no usable start is available.
	Start time.Time

	// End is the event's end instant. Nil means open-ended.
	End *time.Time

	// Modified is the last modification time reported by the source side.
	// Used for timestamp conflict resolution.
	Modified time.Time

	// LastSync is when this event last took part in a successful sync.
	// Defaults to one year ago so an event that has never synced is always
	// considered stale on its first pass.
	LastSync time.Time

	// External is true when the event was fetched from a remote provider,
	// false when it came from the CRM store.
	External bool

	checksum string
}

// Fields carries the raw attributes for constructing an Event. Zero values
// are substituted with the documented defaults by New.
type Fields struct {
	ID             string
	LinkedEventID  string
	AccountID      string
	AssignedUserID string
	Name           string
	Description    string
	Location       string
	Type           EventType
	Start          time.Time
	End            *time.Time
	Modified       time.Time
	LastSync       time.Time
	External       bool
}

// New builds an Event from the given fields, applying defaults and computing
// the content checksum. Name and Description are entity-decoded first.
func New(f Fields) *Event {
	now := time.Now().UTC()

	start := f.Start
	if start.IsZero() {
		start = now
	}
	lastSync := f.LastSync
	if lastSync.IsZero() {
		lastSync = now.AddDate(-1, 0, 0)
	}
	typ := f.Type
	if typ == "" {
		typ = TypeMeeting
	}

	ev := &Event{
		ID:             f.ID,
		LinkedEventID:  f.LinkedEventID,
		AccountID:      f.AccountID,
		AssignedUserID: f.AssignedUserID,
		Name:           html.UnescapeString(f.Name),
		Description:    html.UnescapeString(f.Description),
		Location:       html.UnescapeString(f.Location),
		Type:           typ,
		Start:          start,
		End:            f.End,
		Modified:       f.Modified,
		LastSync:       lastSync,
		External:       f.External,
	}
	ev.checksum = contentChecksum(ev)
	return ev
}

// microLayout renders an instant to microsecond precision in UTC. The
// checksum uses it so that sub-microsecond jitter from providers that only
// report whole seconds cannot cause spurious diffs.
const microLayout = "2006-01-02T15:04:05.000000"

// contentChecksum hashes the five content fields: name, description,
// location, start instant, and end instant (or the sentinel "0" when
// open-ended). Identity, linkage, and sync metadata are deliberately
// excluded.
func contentChecksum(ev *Event) string {
	h := sha256.New()
	h.Write([]byte(ev.Name))
	h.Write([]byte("|"))
	h.Write([]byte(ev.Description))
	h.Write([]byte("|"))
	h.Write([]byte(ev.Location))
	h.Write([]byte("|"))
	h.Write([]byte(ev.Start.UTC().Format(microLayout)))
	h.Write([]byte("|"))
	if ev.End != nil {
		h.Write([]byte(ev.End.UTC().Format(microLayout)))
	} else {
		h.Write([]byte("0"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the content checksum computed at construction. Two events
// are content-equal iff their checksums match.
func (ev *Event) Checksum() string {
	return ev.checksum
}

// Mirror produces the counterpart representation of src for the opposite
// side: same content, new identity, linkage pointing back at src, and the
// External flag flipped. Used when creating or updating the other side of a
// sync pair. newID may be empty when the receiving side assigns ids itself.
func Mirror(newID string, src *Event) *Event {
	return New(Fields{
		ID:             newID,
		LinkedEventID:  src.ID,
		AccountID:      src.AccountID,
		AssignedUserID: src.AssignedUserID,
		Name:           src.Name,
		Description:    src.Description,
		Location:       src.Location,
		Type:           src.Type,
		Start:          src.Start,
		End:            src.End,
		Modified:       src.Modified,
		LastSync:       src.LastSync,
		External:       !src.External,
	})
}

// Record is a raw CRM activity row (meeting, call, or task) as stored by the
// persistence layer. Date fields are kept as stored strings and normalised
// through ParseTime during construction.
type Record struct {
	ID              string
	Module          string
	Name            string
	Description     string
	Location        string
	AssignedUserID  string
	AccountID       string
	DateStart       string
	DateEnd         string
	DateDue         string
	DateModified    string
	DurationHours   int
	DurationMinutes int
	LinkedEventID   string
	LastSync        string
}

// FromRecord builds an internal Event from a CRM record, applying the
// activity-specific fallbacks:
//
//   - a task with no start uses its due date as the start
//   - a task with no end uses its due date as the end
//   - with no end but a duration, end = start + duration
//   - otherwise end = start (zero-length event)
func FromRecord(rec Record) *Event {
	typ := NormalizeEventType(rec.Module)

	start := ParseTime(rec.DateStart)
	due := ParseTime(rec.DateDue)
	end := ParseTime(rec.DateEnd)

	if typ == TypeTask {
		if start == nil {
			start = due
		}
		if end == nil {
			end = due
		}
	}

	var startVal time.Time
	if start != nil {
		startVal = *start
	}

	if end == nil && (rec.DurationHours > 0 || rec.DurationMinutes > 0) && start != nil {
		e := start.Add(time.Duration(rec.DurationHours)*time.Hour +
			time.Duration(rec.DurationMinutes)*time.Minute)
		end = &e
	}
	if end == nil && start != nil {
		e := *start
		end = &e
	}

	var modified, lastSync time.Time
	if t := ParseTime(rec.DateModified); t != nil {
		modified = *t
	}
	if t := ParseTime(rec.LastSync); t != nil {
		lastSync = *t
	}

	return New(Fields{
		ID:             rec.ID,
		LinkedEventID:  rec.LinkedEventID,
		AccountID:      rec.AccountID,
		AssignedUserID: rec.AssignedUserID,
		Name:           rec.Name,
		Description:    rec.Description,
		Location:       rec.Location,
		Type:           typ,
		Start:          startVal,
		End:            end,
		Modified:       modified,
		LastSync:       lastSync,
		External:       false,
	})
}
