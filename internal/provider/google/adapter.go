// Package google implements the calendar provider for Google-style OAuth
// calendars over the Calendar v3 API. The account's credential blob carries
// the OAuth client plus the user token; each listed event is tagged with the
// CRM counterpart id through a private extended property so listings come
// back pre-linked.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	googleauth "golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/provider"
	"github.com/crmsync/calendarsync/internal/window"
)

// Driver is the driver name descriptor files use for this provider.
const Driver = "google"

// credentials is the JSON shape of an account's credential blob.
type credentials struct {
	ClientID     string       `json:"client_id"`
	ClientSecret string       `json:"client_secret"`
	Token        oauth2.Token `json:"token"`
}

// Adapter is the Google Calendar provider. Create one through [New] (as a
// registered driver constructor) and bind it with SetConnection.
type Adapter struct {
	svc        *calendar.Service
	calendarID string
	account    model.Account
	log        *slog.Logger
}

// New is the [provider.Constructor] for the google driver.
func New(logger *slog.Logger) provider.Provider {
	return &Adapter{log: logger}
}

// SetConnection parses the account's OAuth credential blob and builds the
// Calendar service with an auto-refreshing token source.
func (a *Adapter) SetConnection(account model.Account) error {
	var creds credentials
	if err := json.Unmarshal([]byte(account.Credentials), &creds); err != nil {
		return fmt.Errorf("parsing credentials for account %q: %w", account.ID, err)
	}
	if creds.ClientID == "" || creds.Token.RefreshToken == "" && creds.Token.AccessToken == "" {
		return fmt.Errorf("account %q: incomplete OAuth credentials", account.ID)
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     googleauth.Endpoint,
		Scopes:       []string{calendar.CalendarEventsScope},
	}

	ctx := context.Background()
	svc, err := calendar.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, &creds.Token)))
	if err != nil {
		return fmt.Errorf("building calendar service for account %q: %w", account.ID, err)
	}

	a.svc = svc
	a.account = account
	a.calendarID = account.ExternalCalendarID
	if a.calendarID == "" {
		a.calendarID = "primary"
	}
	return nil
}

// ListEvents fetches the events inside the window, following pagination and
// honouring the window's row limit.
func (a *Adapter) ListEvents(ctx context.Context, w window.Window) ([]*model.Event, error) {
	var events []*model.Event
	pageToken := ""

	for {
		call := a.svc.Events.List(a.calendarID).
			TimeMin(w.Start.UTC().Format(time.RFC3339)).
			TimeMax(w.End.UTC().Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			ShowDeleted(false).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		if w.Limit > 0 {
			remaining := w.Limit - len(events)
			if remaining <= 0 {
				return events, nil
			}
			call = call.MaxResults(int64(remaining))
		}

		var page *calendar.Events
		err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
			var callErr error
			page, callErr = call.Do()
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing events for account %q: %w", a.account.ID, err)
		}

		for _, ge := range page.Items {
			ev := fromGoogleEvent(a.account.ID, ge)
			if ev == nil {
				a.log.Debug("skipping event without usable start", "event_id", ge.Id)
				continue
			}
			events = append(events, ev)
			if w.Limit > 0 && len(events) >= w.Limit {
				return events, nil
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			return events, nil
		}
	}
}

// CreateEvent inserts the event and returns the id Google assigned.
func (a *Adapter) CreateEvent(ctx context.Context, ev *model.Event) (string, error) {
	var created *calendar.Event
	err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		var callErr error
		created, callErr = a.svc.Events.Insert(a.calendarID, toGoogleEvent(ev)).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("creating event %q for account %q: %w", ev.Name, a.account.ID, err)
	}
	return created.Id, nil
}

// UpdateEvent overwrites the remote event's content.
func (a *Adapter) UpdateEvent(ctx context.Context, id string, ev *model.Event) error {
	err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		_, callErr := a.svc.Events.Update(a.calendarID, id, toGoogleEvent(ev)).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return fmt.Errorf("updating event %q for account %q: %w", id, a.account.ID, err)
	}
	return nil
}

// DeleteEvent removes the remote event. An already-gone event counts as
// success so deletes stay idempotent across retried runs.
func (a *Adapter) DeleteEvent(ctx context.Context, id string) error {
	err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		callErr := a.svc.Events.Delete(a.calendarID, id).Context(ctx).Do()
		if isGone(callErr) {
			return nil
		}
		return callErr
	})
	if err != nil {
		return fmt.Errorf("deleting event %q for account %q: %w", id, a.account.ID, err)
	}
	return nil
}

// TestConnection fetches the calendar metadata to verify reachability and
// authorization.
func (a *Adapter) TestConnection(ctx context.Context) provider.TestResult {
	cal, err := a.svc.Calendars.Get(a.calendarID).Context(ctx).Do()
	if err != nil {
		res := provider.TestResult{ErrorMessage: err.Error()}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			res.ErrorCode = fmt.Sprintf("%d", apiErr.Code)
		}
		return res
	}
	return provider.TestResult{Success: true, ExternalCalendarID: cal.Id}
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404 || apiErr.Code == 410
	}
	return false
}
