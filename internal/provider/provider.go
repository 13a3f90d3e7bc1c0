// Package provider defines the calendar backend abstraction: the Provider
// capability set, the declarative descriptor of an available provider type,
// the closed constructor registry that turns a descriptor into an instance,
// and the Registry that discovers descriptors from configuration roots.
package provider

import (
	"context"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/window"
)

// Provider is the capability set every calendar backend implements, whether
// it fronts the internal CRM store or a remote service.
type Provider interface {
	// SetConnection binds the provider instance to a calendar account,
	// parsing whatever credentials the account carries. Must be called
	// before any other method.
	SetConnection(account model.Account) error

	// ListEvents returns the events falling inside the window, honouring
	// its row limit when set. The slice is a consistent snapshot: callers
	// match against it without re-fetching mid-pass.
	ListEvents(ctx context.Context, w window.Window) ([]*model.Event, error)

	// CreateEvent writes a new event and returns the id the backend
	// assigned to it.
	CreateEvent(ctx context.Context, ev *model.Event) (string, error)

	// UpdateEvent overwrites the content of the event with the given id.
	UpdateEvent(ctx context.Context, id string, ev *model.Event) error

	// DeleteEvent removes the event with the given id.
	DeleteEvent(ctx context.Context, id string) error

	// TestConnection verifies the account's connectivity without mutating
	// anything. Failures are reported in the result, not as an error.
	TestConnection(ctx context.Context) TestResult
}

// TestResult is the outcome of a connection test, consumed by the operator
// surface.
type TestResult struct {
	Success            bool
	ErrorMessage       string
	ErrorCode          string
	ExternalCalendarID string
}
