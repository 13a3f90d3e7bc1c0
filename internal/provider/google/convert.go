package google

import (
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/crmsync/calendarsync/internal/model"
)

// Private extended-property keys carrying the CRM linkage. Google round-trips
// these untouched, which is what keeps matching cheap: a listed event already
// knows its internal counterpart.
const (
	propEventID   = "crm_event_id"
	propEventType = "crm_event_type"
)

// fromGoogleEvent converts a Calendar API event into the shared model. Events
// without a usable start instant yield nil.
func fromGoogleEvent(accountID string, ge *calendar.Event) *model.Event {
	start := eventInstant(ge.Start)
	if start == nil {
		return nil
	}

	var linked, typ string
	if ge.ExtendedProperties != nil && ge.ExtendedProperties.Private != nil {
		linked = ge.ExtendedProperties.Private[propEventID]
		typ = ge.ExtendedProperties.Private[propEventType]
	}

	var modified time.Time
	if t := model.ParseTime(ge.Updated); t != nil {
		modified = *t
	}

	return model.New(model.Fields{
		ID:            ge.Id,
		LinkedEventID: linked,
		AccountID:     accountID,
		Name:          ge.Summary,
		Description:   ge.Description,
		Location:      ge.Location,
		Type:          model.NormalizeEventType(typ),
		Start:         *start,
		End:           eventInstant(ge.End),
		Modified:      modified,
		External:      true,
	})
}

// eventInstant normalises an EventDateTime, which carries either a zoned
// DateTime or an all-day Date.
func eventInstant(et *calendar.EventDateTime) *time.Time {
	if et == nil {
		return nil
	}
	if et.DateTime != "" {
		return model.ParseTime(et.DateTime)
	}
	return model.ParseTime(et.Date)
}

// toGoogleEvent renders a model event for the Calendar API. The linkage and
// type travel in private extended properties; Google requires an end, so an
// open-ended event is written as zero-length.
func toGoogleEvent(ev *model.Event) *calendar.Event {
	end := ev.Start
	if ev.End != nil {
		end = *ev.End
	}

	ge := &calendar.Event{
		Summary:     ev.Name,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339)},
	}

	private := map[string]string{propEventType: string(ev.Type)}
	if ev.LinkedEventID != "" {
		private[propEventID] = ev.LinkedEventID
	}
	ge.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}

	return ge
}
