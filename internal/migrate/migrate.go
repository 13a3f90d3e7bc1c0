// Package migrate back-fills linkage for accounts that already have events
// on both sides but were never synced by this engine. Internal events
// without a counterpart reference are matched against the provider's events
// by name and start instant; matched pairs get their linkage written so the
// next sync pass treats them as one event instead of creating duplicates.
//
// The pass is dry-run by default: it reports what it would link and writes
// nothing until explicitly applied.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/provider"
	"github.com/crmsync/calendarsync/internal/report"
	"github.com/crmsync/calendarsync/internal/window"
)

// EventSource lists the internal events still missing linkage.
// Implemented by [store.Store].
type EventSource interface {
	UnlinkedEvents(ctx context.Context, accountID string, w window.Window) ([]*model.Event, error)
}

// LinkageWriter persists a matched pair. Implemented by [store.Store].
type LinkageWriter interface {
	SaveLinkage(ctx context.Context, eventID, linkedEventID string, lastSync time.Time) error
}

// ProviderResolver resolves the account's external provider.
// Implemented by [provider.Registry].
type ProviderResolver interface {
	ProviderForAccount(account model.Account) (provider.Provider, error)
}

// Migrator runs the back-fill pass.
type Migrator struct {
	events   EventSource
	linkage  LinkageWriter
	resolver ProviderResolver
	log      *slog.Logger

	now func() time.Time
}

// NewMigrator wires a Migrator.
func NewMigrator(events EventSource, linkage LinkageWriter, resolver ProviderResolver, logger *slog.Logger) *Migrator {
	return &Migrator{
		events:   events,
		linkage:  linkage,
		resolver: resolver,
		log:      logger,
		now:      time.Now,
	}
}

// Run back-fills one account inside the given window. With dryRun set, the
// result reports the matches without writing linkage.
func (m *Migrator) Run(ctx context.Context, acct model.Account, w window.Window, dryRun bool) report.MigrationResult {
	unlinked, err := m.events.UnlinkedEvents(ctx, acct.ID, w)
	if err != nil {
		return report.MigrationFailure(acct.ID, fmt.Errorf("listing unlinked events: %w", err))
	}
	if len(unlinked) == 0 {
		return report.MigrationSkipped(acct.ID, "no unlinked events in window")
	}

	prov, err := m.resolver.ProviderForAccount(acct)
	if err != nil {
		return report.MigrationFailure(acct.ID, err)
	}
	external, err := prov.ListEvents(ctx, w)
	if err != nil {
		return report.MigrationFailure(acct.ID, fmt.Errorf("listing provider events: %w", err))
	}

	pairs := match(unlinked, external)
	if len(pairs) == 0 {
		return report.MigrationSkipped(acct.ID, "no matching provider events found")
	}

	result := report.MigrationSuccess(acct.ID, len(pairs), 0, dryRun)
	now := m.now().UTC()
	for _, p := range pairs {
		if dryRun {
			result.Details = append(result.Details, report.Detail{
				AccountID: acct.ID,
				Subject:   p.internal.ID,
				Stage:     "match",
				Type:      report.DetailSkip,
				Message:   fmt.Sprintf("would link to %q (%s)", p.external.ID, p.internal.Name),
			})
			continue
		}
		if err := m.linkage.SaveLinkage(ctx, p.internal.ID, p.external.ID, now); err != nil {
			m.log.Error("writing back-filled linkage",
				"account", acct.ID, "event", p.internal.ID, "error", err)
			result.Details = append(result.Details, report.Detail{
				AccountID: acct.ID,
				Subject:   p.internal.ID,
				Stage:     "link",
				Type:      report.DetailError,
				Message:   err.Error(),
			})
			continue
		}
		result.Linked++
		m.log.Info("linkage back-filled",
			"account", acct.ID, "event", p.internal.ID, "linked", p.external.ID)
	}
	return result
}

type pair struct {
	internal *model.Event
	external *model.Event
}

// match pairs internal events with provider events sharing a name
// (case-insensitive) and the same start instant. Provider events that
// already carry linkage are not candidates, and each provider event is
// claimed at most once.
func match(internal, external []*model.Event) []pair {
	index := make(map[string]*model.Event, len(external))
	for _, ev := range external {
		if ev.LinkedEventID != "" {
			continue
		}
		index[matchKey(ev)] = ev
	}

	var pairs []pair
	for _, in := range internal {
		ext, ok := index[matchKey(in)]
		if !ok {
			continue
		}
		pairs = append(pairs, pair{internal: in, external: ext})
		delete(index, matchKey(in))
	}
	return pairs
}

func matchKey(ev *model.Event) string {
	return strings.ToLower(strings.TrimSpace(ev.Name)) + "|" +
		ev.Start.UTC().Format(time.RFC3339)
}
