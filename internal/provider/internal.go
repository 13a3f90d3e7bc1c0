package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/window"
)

// EventStore is the slice of the persistence layer the internal provider
// needs. Implemented by [store.Store].
type EventStore interface {
	EventsInWindow(ctx context.Context, accountID string, w window.Window) ([]*model.Event, error)
	InsertEvent(ctx context.Context, accountID string, ev *model.Event) error
	UpdateEventContent(ctx context.Context, id string, ev *model.Event) error
	DeleteEvent(ctx context.Context, id string) error
}

// internalProvider fronts the CRM's own calendar store behind the Provider
// capability set, so the engine executes internal and external operations
// through the same interface.
type internalProvider struct {
	store   EventStore
	account model.Account
	log     *slog.Logger
}

// NewInternalConstructor returns the Constructor for the internal CRM
// calendar provider, closed over the store. Passed to NewRegistry; the
// internal provider participates in no discovery.
func NewInternalConstructor(store EventStore) Constructor {
	return func(logger *slog.Logger) Provider {
		return &internalProvider{store: store, log: logger}
	}
}

func (p *internalProvider) SetConnection(account model.Account) error {
	p.account = account
	return nil
}

func (p *internalProvider) ListEvents(ctx context.Context, w window.Window) ([]*model.Event, error) {
	return p.store.EventsInWindow(ctx, p.account.ID, w)
}

// CreateEvent assigns a fresh id and inserts the event for this account's
// user. The payload's linkage fields are persisted as-is so a mirrored
// external event comes back pre-linked on the next pass.
func (p *internalProvider) CreateEvent(ctx context.Context, ev *model.Event) (string, error) {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}

	stored := model.New(model.Fields{
		ID:             id,
		LinkedEventID:  ev.LinkedEventID,
		AccountID:      p.account.ID,
		AssignedUserID: p.account.UserID,
		Name:           ev.Name,
		Description:    ev.Description,
		Location:       ev.Location,
		Type:           ev.Type,
		Start:          ev.Start,
		End:            ev.End,
		Modified:       time.Now().UTC(),
		External:       false,
	})
	if err := p.store.InsertEvent(ctx, p.account.ID, stored); err != nil {
		return "", fmt.Errorf("inserting event %q: %w", ev.Name, err)
	}
	return id, nil
}

func (p *internalProvider) UpdateEvent(ctx context.Context, id string, ev *model.Event) error {
	if err := p.store.UpdateEventContent(ctx, id, ev); err != nil {
		return fmt.Errorf("updating event %q: %w", id, err)
	}
	return nil
}

func (p *internalProvider) DeleteEvent(ctx context.Context, id string) error {
	if err := p.store.DeleteEvent(ctx, id); err != nil {
		return fmt.Errorf("deleting event %q: %w", id, err)
	}
	return nil
}

// TestConnection always succeeds: the internal calendar is the local store.
func (p *internalProvider) TestConnection(_ context.Context) TestResult {
	return TestResult{Success: true, ExternalCalendarID: p.account.ID}
}
