// Package sync implements the reconciliation engine. Each pass loads the
// persisted settings, selects the enabled calendar accounts up to the account
// cap, and for every account compares the CRM activity records against the
// external provider's events inside the sync window. The comparison yields a
// deterministic operation plan (creates, updates, deletes, conflict
// resolutions) which is capped per account and then executed, writing linkage
// only after the target side confirmed the mutation.
//
// The package contains two main components:
//
//   - [Reconciler] builds and executes the per-account operation plan.
//   - [Engine] runs the polling loop, records telemetry, and persists the
//     last-run report.
package sync

import (
	"context"
	"time"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/provider"
	"github.com/crmsync/calendarsync/internal/settings"
)

// SettingsSource yields the typed sync settings. Invalidate drops any cached
// snapshot; the reconciler calls it at the top of every pass so settings are
// read fresh per run but cached within one. Implemented by [settings.Manager].
type SettingsSource interface {
	Load(ctx context.Context) (settings.Settings, error)
	Invalidate()
}

// AccountSource lists the calendar accounts eligible for syncing.
// Implemented by [store.Store].
type AccountSource interface {
	EnabledAccounts(ctx context.Context, limit int) ([]model.Account, error)
}

// ProviderResolver turns an account into provider instances for both sides
// of the sync pair. Implemented by [provider.Registry].
type ProviderResolver interface {
	ProviderForAccount(account model.Account) (provider.Provider, error)
	InternalProviderForAccount(account model.Account) provider.Provider
}

// LinkageStore records the cross-reference between an internal event and its
// external counterpart. Implemented by [store.Store].
type LinkageStore interface {
	SaveLinkage(ctx context.Context, eventID, linkedEventID string, lastSync time.Time) error
}

// Hook is invoked after every successfully executed operation that mutated
// the internal side, when logic hooks are enabled. Hook implementations must
// not block: they run inline with the account's operation sequence.
type Hook func(ctx context.Context, op model.Operation)
